// Package deployments holds the world model of the box: which projects
// exist, which deployments they have, and the container actors serving
// them. Four background workers keep the model converged with GitHub, the
// metadata store, the Docker daemon and the filesystem.
package deployments

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/conf"
	"github.com/prezel/prezel/pkg/container"
	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/label"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/metrics"
	"github.com/prezel/prezel/pkg/storage"
)

// fullSyncInterval is how often the manager polls GitHub even without any
// explicit trigger.
const fullSyncInterval = 5 * time.Minute

// Manager owns the world model and serializes access to it. Reads take the
// shared lock; rebuilds take the exclusive lock.
type Manager struct {
	conf    *conf.Conf
	store   storage.Store
	github  *github.Client
	runtime docker.Runtime
	certs   *certs.Store

	mu    sync.RWMutex
	world *Map

	githubWorker *Worker
	buildWorker  *Worker
	dockerWorker *Worker
	filesWorker  *Worker
}

// NewManager assembles the manager and its workers. Run must be called for
// any reconciliation to happen.
func NewManager(cfg *conf.Conf, store storage.Store, gh *github.Client, runtime docker.Runtime, certStore *certs.Store) *Manager {
	m := &Manager{
		conf:    cfg,
		store:   store,
		github:  gh,
		runtime: runtime,
		certs:   certStore,
		world:   NewMap(cfg.Hostname),
	}
	m.githubWorker = NewWorker("github", m.githubPass)
	m.buildWorker = NewWorker("build", m.buildPass)
	m.dockerWorker = NewWorker("docker", m.dockerPass)
	m.filesWorker = NewWorker("files", m.filesPass)
	return m
}

// Run drives the workers and the periodic full sync until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { m.githubWorker.Run(ctx); return nil })
	g.Go(func() error { m.buildWorker.Run(ctx); return nil })
	g.Go(func() error { m.dockerWorker.Run(ctx); return nil })
	g.Go(func() error { m.filesWorker.Run(ctx); return nil })
	g.Go(func() error {
		ticker := time.NewTicker(fullSyncInterval)
		defer ticker.Stop()
		m.FullSyncWithGithub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.FullSyncWithGithub()
			}
		}
	})
	return g.Wait()
}

// SyncWithDB rebuilds the world model from the store and kicks the
// downstream workers.
func (m *Manager) SyncWithDB(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.SyncDuration)
	m.mu.Lock()
	err := m.world.Rebuild(ctx, m.store, m.github, m.runtime, m.buildWorker, m.certs)
	m.mu.Unlock()
	timer.ObserveDuration()
	if err != nil {
		return err
	}
	m.buildWorker.Trigger()
	m.dockerWorker.Trigger()
	m.filesWorker.Trigger()
	return nil
}

// FullSyncWithGithub runs a GitHub poll to completion. The poll itself ends
// with a store rebuild, so on return the world model reflects the remote.
func (m *Manager) FullSyncWithGithub() {
	if err := m.githubWorker.TriggerAndWait(); err != nil {
		logger := log.WithComponent("manager")
		logger.Warn().Err(err).Msg("github sync did not complete")
	}
}

// TriggerSync schedules a GitHub poll without waiting for it.
func (m *Manager) TriggerSync() {
	m.githubWorker.Trigger()
}

// BoxDomain returns the wildcard DNS zone this installation owns.
func (m *Manager) BoxDomain() string {
	return m.conf.Hostname
}

// Certs exposes the certificate store for SNI lookups.
func (m *Manager) Certs() *certs.Store {
	return m.certs
}

// ResolvedTarget is the outcome of routing a request hostname.
type ResolvedTarget struct {
	Container *container.Container
	// InsertEnabled grants writes when the target is a branch database.
	InsertEnabled bool
}

// GetContainerByHostname routes a request hostname to a container actor.
// Custom domains map to the owning project's production deployment; box
// subdomains are parsed as labels.
func (m *Manager) GetContainerByHostname(hostname string) (ResolvedTarget, error) {
	if host, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = host
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if projectID, ok := m.world.customDomains[hostname]; ok {
		dep, ok := m.world.GetProd(projectID)
		if !ok {
			return ResolvedTarget{}, fmt.Errorf("project behind %q has no production deployment", hostname)
		}
		return ResolvedTarget{Container: dep.App}, nil
	}

	l, err := label.StripFromDomain(hostname, m.conf.Hostname)
	if err != nil {
		return ResolvedTarget{}, err
	}
	c, insert, err := m.world.ResolveLabel(l)
	if err != nil {
		return ResolvedTarget{}, err
	}
	return ResolvedTarget{Container: c, InsertEnabled: insert}, nil
}

// GetProject returns a live project by name.
func (m *Manager) GetProject(name string) (ProjectView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.world.GetProject(name)
	if !ok {
		return ProjectView{}, false
	}
	return m.projectView(p.ID), true
}

// GetDeployment returns a deployment by project name and slug.
func (m *Manager) GetDeployment(projectName, slug string) (*Deployment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.world.GetDeployment(projectName, slug)
}

// GetDeploymentByID returns a deployment by its id.
func (m *Manager) GetDeploymentByID(id string) (*Deployment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.world.GetDeploymentByID(id)
}

// GetProdDB returns the production database of a project id.
func (m *Manager) GetProdDB(projectID string) (*container.ProdDB, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.world.GetProdDB(projectID)
}

// GetProdDeployment returns the production deployment of a project id.
func (m *Manager) GetProdDeployment(projectID string) (*Deployment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.world.GetProd(projectID)
}

// GetProdURLID returns the URL slug currently serving production for a
// project id.
func (m *Manager) GetProdURLID(projectID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dep, ok := m.world.GetProd(projectID)
	if !ok {
		return "", false
	}
	return dep.Slug, true
}

// ProjectView is a project snapshot with its live deployment state, for the
// management API.
type ProjectView struct {
	ID          string
	Name        string
	ProdSlug    string
	Deployments []*Deployment
}

func (m *Manager) projectView(projectID string) ProjectView {
	p := m.world.projects[projectID]
	return ProjectView{
		ID:          p.ID,
		Name:        p.Name,
		ProdSlug:    m.world.prod[p.ID],
		Deployments: m.world.Deployments(p.ID),
	}
}

// ListProjects snapshots every live project.
func (m *Manager) ListProjects() []ProjectView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProjectView, 0, len(m.world.projects))
	for id := range m.world.projects {
		out = append(out, m.projectView(id))
	}
	return out
}
