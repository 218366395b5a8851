package types

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// idAlphabet matches the hostname label charset: slugs end up in public URLs.
const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// IDLength is the length of project/deployment ids and URL slugs.
const IDLength = 10

// NewID generates an opaque short id.
func NewID() string {
	id, err := gonanoid.Generate(idAlphabet, IDLength)
	if err != nil {
		panic(err)
	}
	return id
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// unit used across the metadata store.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// BuildResult is the terminal outcome of a deployment build.
type BuildResult string

const (
	BuildResultBuilt  BuildResult = "built"
	BuildResultFailed BuildResult = "failed"
)

// EnvVar is a single environment variable entry frozen into a deployment.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EditedEnvVar is a project-level environment variable with its last-edited
// timestamp.
type EditedEnvVar struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Edited int64  `json:"edited"`
}

// Project is a source repository hosted by this installation.
type Project struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	RepoID        int64          `json:"repo_id"`
	Created       int64          `json:"created"`
	Root          string         `json:"root"`
	ProdID        string         `json:"prod_id,omitempty"` // explicit production override
	Env           []EditedEnvVar `json:"env"`
	CustomDomains []string       `json:"custom_domains"`
}

// Deployment is one buildable commit of a project. Env and Config are
// frozen at insert time and never change; a redeploy inserts a clone.
type Deployment struct {
	ID            string           `json:"id"`
	Slug          string           `json:"slug"`
	Timestamp     int64            `json:"timestamp"` // commit timestamp
	Created       int64            `json:"created"`
	Sha           string           `json:"sha"`
	Branch        string           `json:"branch"`
	DefaultBranch bool             `json:"default_branch"`
	Result        *BuildResult     `json:"result,omitempty"`
	BuildStarted  *int64           `json:"build_started,omitempty"`
	BuildFinished *int64           `json:"build_finished,omitempty"`
	Project       string           `json:"project"`
	Config        DeploymentConfig `json:"config"`
	Env           []EnvVar         `json:"env"`
	Deleted       bool             `json:"deleted,omitempty"`
}

// DeploymentWithProject joins a deployment with its owning project.
type DeploymentWithProject struct {
	Deployment *Deployment
	Project    *Project
}

// InsertProject carries the fields of a project creation request.
type InsertProject struct {
	Name   string   `json:"name"`
	RepoID int64    `json:"repo_id"`
	Env    []EnvVar `json:"env"`
	Root   string   `json:"root"`
}

// UpdateProject carries a partial project update. Nil fields are untouched;
// a non-nil CustomDomains replaces the whole domain set atomically.
type UpdateProject struct {
	Name          *string   `json:"name,omitempty"`
	CustomDomains *[]string `json:"custom_domains,omitempty"`
}

// InsertDeployment carries the fields of a deployment row to be created.
// The id and slug are generated by the store.
type InsertDeployment struct {
	Env           []EnvVar
	Sha           string
	Timestamp     int64
	Branch        string
	DefaultBranch bool
	Project       string
	Result        *BuildResult
}

// BuildLog is one line of build output for a deployment.
type BuildLog struct {
	ID         int64  `json:"id"`
	Deployment string `json:"deployment"`
	Timestamp  int64  `json:"timestamp"`
	Content    string `json:"content"`
	Error      bool   `json:"error"`
}
