package storage

import (
	"errors"

	"github.com/prezel/prezel/pkg/types"
)

// ErrNotFound is returned when a project or deployment does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint would be violated.
var ErrConflict = errors.New("conflict")

// Store is the durable metadata store behind the world model. Multi-row
// writes (project + env snapshot, deployment + env snapshot, custom-domain
// replacement) are atomic.
type Store interface {
	// Projects
	UpsertProject(project *types.Project) error
	UpdateProject(id string, update types.UpdateProject) error
	DeleteProject(id string) error
	GetProject(id string) (*types.Project, error)
	GetProjectByName(name string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)

	// Project env vars
	UpsertEnv(project, name, value string) error
	DeleteEnv(project, name string) error

	// Deployments
	InsertDeployment(insert types.InsertDeployment, config types.DeploymentConfig) (string, error)
	DeleteDeployment(id string) error
	GetDeployment(id string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	ListDeploymentsWithProject() ([]types.DeploymentWithProject, error)
	UpdateDeploymentResult(id string, result types.BuildResult) error
	UpdateDeploymentBuildStart(id string, started int64) error
	UpdateDeploymentBuildEnd(id string, finished int64) error
	ResetDeploymentBuildEnd(id string) error
	HashExistsForProject(sha, project string) (bool, error)
	GetLatestSuccessfulDefaultBranchDeployment(project string) (*types.Deployment, error)

	// Build logs
	InsertBuildLog(deployment, content string, isError bool) error
	GetBuildLogs(deployment string) ([]types.BuildLog, error)
	ClearBuildLogs(deployment string) error

	// Utility
	Close() error
}
