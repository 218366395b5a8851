package deployments

import (
	"github.com/prezel/prezel/pkg/container"
	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/env"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/label"
	"github.com/prezel/prezel/pkg/storage"
	"github.com/prezel/prezel/pkg/types"
)

// Deployment is the in-memory view of one deployment row: the immutable
// metadata plus the live app container actor.
type Deployment struct {
	ID            string
	Slug          string
	ProjectID     string
	ProjectName   string
	Branch        string
	DefaultBranch bool
	Sha           string
	Timestamp     int64
	Created       int64

	App *container.Container
}

// newDeployment materializes the container actor for a stored deployment.
// The env the app will see, including the DB wiring, is frozen here.
func newDeployment(
	dep types.DeploymentWithProject,
	boxDomain string,
	store storage.Store,
	gh *github.Client,
	runtime docker.Runtime,
	buildQueue container.BuildQueue,
	prodDB *container.ProdDB,
) (*Deployment, error) {
	d := dep.Deployment
	project := dep.Project

	public := false
	switch d.Config.GetVisibility() {
	case types.VisibilityStandard:
		public = d.DefaultBranch
	case types.VisibilityPublic:
		public = true
	case types.VisibilityPrivate:
		public = false
	}

	initialStatus := container.StatusQueued
	if d.Result != nil {
		switch *d.Result {
		case types.BuildResultBuilt:
			initialStatus = container.StatusBuilt
		case types.BuildResultFailed:
			initialStatus = container.StatusFailed
		}
	}

	dbLabel := label.Label{Kind: label.ProdDb, Project: project.Name}
	hookBranch := ""
	if !d.DefaultBranch {
		dbLabel = label.Label{Kind: label.BranchDb, Project: project.Name, Deployment: d.Slug}
		hookBranch = d.Branch
	}
	previewURL := "https://" + label.Label{
		Kind:       label.Deployment,
		Project:    project.Name,
		Deployment: d.Slug,
	}.Hostname(boxDomain)

	vars := make([]env.Var, 0, len(d.Env))
	for _, v := range d.Env {
		vars = append(vars, env.Var{Name: v.Name, Value: v.Value})
	}

	hooks := container.NewStatusHooks(store, gh, d.ID, project.RepoID, d.Sha, hookBranch, previewURL)
	app, err := container.NewCommit(container.CommitParams{
		RepoID:        project.RepoID,
		Sha:           d.Sha,
		DeploymentID:  d.ID,
		Slug:          d.Slug,
		Root:          project.Root,
		Env:           env.New(vars...),
		Config:        d.Config,
		Branch:        !d.DefaultBranch,
		Public:        public,
		DBURL:         "https://" + dbLabel.Hostname(boxDomain),
		InitialStatus: initialStatus,
		Result:        d.Result,
	}, gh, runtime, buildQueue, prodDB, hooks)
	if err != nil {
		return nil, err
	}

	return &Deployment{
		ID:            d.ID,
		Slug:          d.Slug,
		ProjectID:     project.ID,
		ProjectName:   project.Name,
		Branch:        d.Branch,
		DefaultBranch: d.DefaultBranch,
		Sha:           d.Sha,
		Timestamp:     d.Timestamp,
		Created:       d.Created,
		App:           app,
	}, nil
}
