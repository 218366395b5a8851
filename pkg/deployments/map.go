package deployments

import (
	"context"
	"fmt"
	"sort"

	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/container"
	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/label"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/storage"
	"github.com/prezel/prezel/pkg/types"
)

type deployKey struct {
	project string // project id
	slug    string
}

// Map is the world model: every project, its production database, and one
// container actor per deployment. It is rebuilt from the store and is
// idempotent under rebuild, so actors survive across passes and keep their
// state. Not safe for concurrent use; the Manager serializes access.
type Map struct {
	boxDomain string

	projects      map[string]*types.Project // by id
	names         map[string]string         // project name -> id
	customDomains map[string]string         // domain -> project id
	dbs           map[string]*container.ProdDB
	deployments   map[deployKey]*Deployment
	prod          map[string]string // project id -> production slug
}

// NewMap creates an empty world model for the given box domain.
func NewMap(boxDomain string) *Map {
	return &Map{
		boxDomain:     boxDomain,
		projects:      map[string]*types.Project{},
		names:         map[string]string{},
		customDomains: map[string]string{},
		dbs:           map[string]*container.ProdDB{},
		deployments:   map[deployKey]*Deployment{},
		prod:          map[string]string{},
	}
}

// Rebuild reconciles the in-memory model with the store. Existing actors
// are reused, missing ones are created, gone ones are dropped, and the
// production pointer of every project is recomputed.
func (m *Map) Rebuild(
	ctx context.Context,
	store storage.Store,
	gh *github.Client,
	runtime docker.Runtime,
	buildQueue container.BuildQueue,
	certStore *certs.Store,
) error {
	projects, err := store.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	rows, err := store.ListDeploymentsWithProject()
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	m.rebuildProjects(projects, certStore)
	m.rebuildDBs(projects, runtime, buildQueue)
	m.rebuildDeployments(rows, store, gh, runtime, buildQueue)
	m.selectProd(projects)
	m.adjustContainers(ctx)
	return nil
}

func (m *Map) rebuildProjects(projects []*types.Project, certStore *certs.Store) {
	next := make(map[string]*types.Project, len(projects))
	names := make(map[string]string, len(projects))
	domains := map[string]string{}
	for _, p := range projects {
		next[p.ID] = p
		names[p.Name] = p.ID
		for _, d := range p.CustomDomains {
			domains[d] = p.ID
		}
	}

	for d := range domains {
		if _, known := m.customDomains[d]; !known {
			certStore.InsertDomain(d)
		}
	}
	for d := range m.customDomains {
		if _, still := domains[d]; !still {
			certStore.RemoveDomain(d)
		}
	}

	m.projects = next
	m.names = names
	m.customDomains = domains
}

func (m *Map) rebuildDBs(projects []*types.Project, runtime docker.Runtime, buildQueue container.BuildQueue) {
	for _, p := range projects {
		if _, ok := m.dbs[p.ID]; ok {
			continue
		}
		db, err := container.NewProdDB(p.ID, runtime, buildQueue)
		if err != nil {
			logger := log.WithProjectID(p.ID)
			logger.Error().Err(err).Msg("failed to set up project database")
			continue
		}
		m.dbs[p.ID] = db
	}
	for id := range m.dbs {
		if _, still := m.projects[id]; !still {
			delete(m.dbs, id)
		}
	}
}

func (m *Map) rebuildDeployments(
	rows []types.DeploymentWithProject,
	store storage.Store,
	gh *github.Client,
	runtime docker.Runtime,
	buildQueue container.BuildQueue,
) {
	seen := make(map[deployKey]bool, len(rows))
	for _, row := range rows {
		if row.Deployment.Deleted {
			continue
		}
		key := deployKey{project: row.Project.ID, slug: row.Deployment.Slug}
		seen[key] = true
		if _, ok := m.deployments[key]; ok {
			continue
		}
		prodDB, ok := m.dbs[row.Project.ID]
		if !ok {
			// project db missing or failed to set up, skipped until a later pass
			continue
		}
		dep, err := newDeployment(row, m.boxDomain, store, gh, runtime, buildQueue, prodDB)
		if err != nil {
			logger := log.WithProjectID(row.Project.ID)
			logger.Error().Err(err).
				Str("deployment", row.Deployment.ID).Msg("failed to materialize deployment")
			continue
		}
		m.deployments[key] = dep
	}
	for key := range m.deployments {
		if !seen[key] {
			delete(m.deployments, key)
		}
	}
}

// selectProd recomputes every project's production pointer: the pinned
// deployment when the project names one, otherwise the most recently
// created successfully built default-branch deployment, otherwise the most
// recent default-branch deployment regardless of outcome.
func (m *Map) selectProd(projects []*types.Project) {
	m.prod = make(map[string]string, len(projects))
	for _, p := range projects {
		if p.ProdID != "" {
			if dep := m.deploymentByID(p.ID, p.ProdID); dep != nil {
				m.prod[p.ID] = dep.Slug
				continue
			}
		}
		var candidates []*Deployment
		for key, dep := range m.deployments {
			if key.project == p.ID && dep.DefaultBranch {
				candidates = append(candidates, dep)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Created != candidates[j].Created {
				return candidates[i].Created > candidates[j].Created
			}
			return candidates[i].ID > candidates[j].ID
		})
		chosen := ""
		for _, dep := range candidates {
			if isBuilt(dep.App) {
				chosen = dep.Slug
				break
			}
		}
		if chosen == "" {
			chosen = candidates[0].Slug
		}
		m.prod[p.ID] = chosen
	}
}

func isBuilt(c *container.Container) bool {
	switch c.Status().Kind {
	case container.StatusBuilt, container.StatusStandBy, container.StatusReady:
		return true
	}
	return false
}

// adjustContainers warms production apps up and winds idle non-production
// containers down.
func (m *Map) adjustContainers(ctx context.Context) {
	for key, dep := range m.deployments {
		if m.prod[key.project] == key.slug {
			if isBuilt(dep.App) {
				dep.App.WarmUp()
			}
			continue
		}
		dep.App.DowngradeIfUnused(ctx)
		if db := dep.App.Status().DB; db != nil {
			db.Container.DowngradeIfUnused(ctx)
		}
	}
}

// GetProject returns a project by name.
func (m *Map) GetProject(name string) (*types.Project, bool) {
	id, ok := m.names[name]
	if !ok {
		return nil, false
	}
	p, ok := m.projects[id]
	return p, ok
}

// GetProdDB returns the production database of a project id.
func (m *Map) GetProdDB(projectID string) (*container.ProdDB, bool) {
	db, ok := m.dbs[projectID]
	return db, ok
}

// GetDeployment returns a deployment by project name and URL slug.
func (m *Map) GetDeployment(projectName, slug string) (*Deployment, bool) {
	id, ok := m.names[projectName]
	if !ok {
		return nil, false
	}
	dep, ok := m.deployments[deployKey{project: id, slug: slug}]
	return dep, ok
}

// GetProd returns the production deployment of a project id.
func (m *Map) GetProd(projectID string) (*Deployment, bool) {
	slug, ok := m.prod[projectID]
	if !ok {
		return nil, false
	}
	dep, ok := m.deployments[deployKey{project: projectID, slug: slug}]
	return dep, ok
}

// GetDeploymentByID returns a deployment by its opaque id.
func (m *Map) GetDeploymentByID(id string) (*Deployment, bool) {
	for _, dep := range m.deployments {
		if dep.ID == id {
			return dep, true
		}
	}
	return nil, false
}

func (m *Map) deploymentByID(projectID, deploymentID string) *Deployment {
	for key, dep := range m.deployments {
		if key.project == projectID && dep.ID == deploymentID {
			return dep
		}
	}
	return nil
}

// HasDeploymentSlug reports whether a project still owns a deployment with
// the given slug. Used by on-disk cleanup.
func (m *Map) HasDeploymentSlug(projectID, slug string) bool {
	_, ok := m.deployments[deployKey{project: projectID, slug: slug}]
	return ok
}

// HasProject reports whether a project id is live.
func (m *Map) HasProject(projectID string) bool {
	_, ok := m.projects[projectID]
	return ok
}

// Projects returns the live projects.
func (m *Map) Projects() []*types.Project {
	out := make([]*types.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out
}

// Deployments returns every live deployment of a project id.
func (m *Map) Deployments(projectID string) []*Deployment {
	var out []*Deployment
	for key, dep := range m.deployments {
		if key.project == projectID {
			out = append(out, dep)
		}
	}
	return out
}

// Containers returns every container actor the model currently owns: app
// containers, their branch databases, and the production databases.
func (m *Map) Containers() []*container.Container {
	var out []*container.Container
	for _, db := range m.dbs {
		out = append(out, db.Setup.Container)
	}
	for _, dep := range m.deployments {
		out = append(out, dep.App)
		if db := dep.App.Status().DB; db != nil {
			out = append(out, db.Container)
		}
	}
	return out
}

// ResolveLabel maps a parsed hostname label to the container actor serving
// it. The second return reports whether the insert variant was requested,
// which the proxy gates behind an admin token. Database labels route
// without a gate: sqld enforces its own token auth.
func (m *Map) ResolveLabel(l label.Label) (*container.Container, bool, error) {
	id, ok := m.names[l.Project]
	if !ok {
		return nil, false, fmt.Errorf("unknown project %q", l.Project)
	}
	switch l.Kind {
	case label.Prod:
		dep, ok := m.GetProd(id)
		if !ok {
			return nil, false, fmt.Errorf("project %q has no production deployment", l.Project)
		}
		return dep.App, false, nil
	case label.ProdDb:
		db, ok := m.dbs[id]
		if !ok {
			return nil, false, fmt.Errorf("project %q has no database", l.Project)
		}
		return db.Setup.Container, false, nil
	case label.Deployment, label.DeploymentInsert:
		dep, ok := m.deployments[deployKey{project: id, slug: l.Deployment}]
		if !ok {
			return nil, false, fmt.Errorf("unknown deployment %q", l.Deployment)
		}
		return dep.App, l.InsertEnabled(), nil
	case label.BranchDb:
		dep, ok := m.deployments[deployKey{project: id, slug: l.Deployment}]
		if !ok {
			return nil, false, fmt.Errorf("unknown deployment %q", l.Deployment)
		}
		db := dep.App.Status().DB
		if db == nil {
			return nil, false, fmt.Errorf("deployment %q has no branch database yet", l.Deployment)
		}
		return db.Container, false, nil
	}
	return nil, false, fmt.Errorf("unroutable label")
}
