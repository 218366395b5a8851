package deployments

import (
	"context"
	"os"
	"path/filepath"

	"github.com/prezel/prezel/pkg/container"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/metrics"
	"github.com/prezel/prezel/pkg/paths"
	"github.com/prezel/prezel/pkg/types"
)

// githubPass polls the remote tips of every project and inserts deployment
// rows for commits not seen before. It ends with a store rebuild so the new
// rows become live actors.
func (m *Manager) githubPass(ctx context.Context) {
	logger := log.WithComponent("github-worker")
	projects, err := m.store.ListProjects()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list projects")
		return
	}
	for _, p := range projects {
		if err := m.syncProject(ctx, p); err != nil {
			logger := log.WithProjectID(p.ID)
			logger.Warn().Err(err).Msg("project sync failed")
		}
	}
	if err := m.SyncWithDB(ctx); err != nil {
		logger.Error().Err(err).Msg("store rebuild failed")
	}
}

func (m *Manager) syncProject(ctx context.Context, p *types.Project) error {
	branch, err := m.github.DefaultBranch(ctx, p.RepoID)
	if err != nil {
		return err
	}
	commit, err := m.github.LatestCommit(ctx, p.RepoID, branch)
	if err != nil {
		return err
	}
	if err := m.insertIfNew(ctx, p, commit, branch, true); err != nil {
		return err
	}

	pulls, err := m.github.OpenPulls(ctx, p.RepoID)
	if err != nil {
		return err
	}
	for _, pull := range pulls {
		if pull.Branch == branch {
			continue
		}
		head := github.Commit{Sha: pull.Sha, Timestamp: types.NowMillis()}
		if tip, err := m.github.LatestCommit(ctx, p.RepoID, pull.Branch); err == nil {
			head = tip
		}
		if err := m.insertIfNew(ctx, p, head, pull.Branch, false); err != nil {
			logger := log.WithProjectID(p.ID)
			logger.Warn().Err(err).
				Int("pull", pull.Number).Msg("failed to record pull deployment")
		}
	}
	return nil
}

// insertIfNew records a deployment for a commit the store has not seen for
// this project. The project env and the parsed config are frozen into the
// row. A config that cannot be fetched or parsed produces a Failed row with
// the error as its only build log, never a silently defaulted one.
func (m *Manager) insertIfNew(ctx context.Context, p *types.Project, commit github.Commit, branch string, defaultBranch bool) error {
	exists, err := m.store.HashExistsForProject(commit.Sha, p.ID)
	if err != nil || exists {
		return err
	}

	config, configErr := m.fetchConfig(ctx, p, commit.Sha)

	envSnapshot := make([]types.EnvVar, 0, len(p.Env))
	for _, v := range p.Env {
		envSnapshot = append(envSnapshot, types.EnvVar{Name: v.Name, Value: v.Value})
	}

	insert := types.InsertDeployment{
		Env:           envSnapshot,
		Sha:           commit.Sha,
		Timestamp:     commit.Timestamp,
		Branch:        branch,
		DefaultBranch: defaultBranch,
		Project:       p.ID,
	}
	if configErr != nil {
		failed := types.BuildResultFailed
		insert.Result = &failed
	}
	id, err := m.store.InsertDeployment(insert, config)
	if err != nil {
		return err
	}
	if configErr != nil {
		if err := m.store.InsertBuildLog(id, configErr.Error(), true); err != nil {
			logger := log.WithDeploymentID(id)
			logger.Warn().Err(err).Msg("failed to record config error")
		}
	}
	return nil
}

// fetchConfig resolves the deployment config at a sha: <name>.prezel.json
// first, then prezel.json, then defaults when neither exists.
func (m *Manager) fetchConfig(ctx context.Context, p *types.Project, sha string) (types.DeploymentConfig, error) {
	for _, path := range []string{p.Name + ".prezel.json", "prezel.json"} {
		content, err := m.github.DownloadFile(ctx, p.RepoID, sha, path)
		if err != nil {
			if github.IsNotFound(err) {
				continue
			}
			return types.DeploymentConfig{}, err
		}
		return types.ParseDeploymentConfig([]byte(content))
	}
	return types.DeploymentConfig{}, nil
}

// buildPass runs the pending builds one at a time. A single build at a time
// keeps the box responsive; triggers received mid-pass schedule another.
func (m *Manager) buildPass(ctx context.Context) {
	for _, c := range m.pendingBuilds() {
		if ctx.Err() != nil {
			return
		}
		c.RunBuild(ctx)
		if c.Status().Kind == container.StatusFailed {
			metrics.BuildsTotal.WithLabelValues(string(types.BuildResultFailed)).Inc()
		} else {
			metrics.BuildsTotal.WithLabelValues(string(types.BuildResultBuilt)).Inc()
		}
	}
}

func (m *Manager) pendingBuilds() []*container.Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*container.Container
	for _, c := range m.world.Containers() {
		if c.NeedsBuild() {
			pending = append(pending, c)
		}
	}
	return pending
}

// dockerPass removes daemon containers and images no longer claimed by the
// world model, left behind by deleted deployments or restarts.
func (m *Manager) dockerPass(ctx context.Context) {
	logger := log.WithComponent("docker-worker")

	managed, err := m.runtime.ListManagedContainers(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list containers")
		return
	}

	m.mu.RLock()
	claimed := map[string]bool{}
	for _, c := range m.world.Containers() {
		if name := c.ContainerName(); name != "" {
			claimed[name] = true
		}
	}
	m.mu.RUnlock()

	for _, c := range managed {
		if claimed[c.Name] {
			continue
		}
		if err := m.runtime.StopContainer(ctx, c.ID); err != nil {
			logger.Warn().Err(err).Str("container", c.Name).Msg("failed to stop orphan container")
			continue
		}
		if err := m.runtime.RemoveContainer(ctx, c.ID); err != nil {
			logger.Warn().Err(err).Str("container", c.Name).Msg("failed to remove orphan container")
		}
	}

	images, err := m.runtime.ListManagedImages(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list images")
		return
	}
	for _, img := range images {
		id, ok := img.DeploymentID()
		if !ok {
			continue
		}
		m.mu.RLock()
		_, live := m.world.GetDeploymentByID(id)
		m.mu.RUnlock()
		if live {
			continue
		}
		if err := m.runtime.RemoveImage(ctx, img); err != nil {
			logger.Warn().Err(err).Str("image", string(img)).Msg("failed to remove orphan image")
		}
	}
}

// filesPass removes on-disk database directories of gone projects and gone
// branch deployments. Production data files of live projects are never
// touched.
func (m *Manager) filesPass(_ context.Context) {
	logger := log.WithComponent("files-worker")
	root := filepath.Join(paths.ContainerRoot(), "dbs")

	projectDirs, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error().Err(err).Msg("failed to scan db directory")
		}
		return
	}
	for _, projectDir := range projectDirs {
		if !projectDir.IsDir() {
			continue
		}
		projectID := projectDir.Name()

		m.mu.RLock()
		liveProject := m.world.HasProject(projectID)
		m.mu.RUnlock()
		if !liveProject {
			if err := os.RemoveAll(filepath.Join(root, projectID)); err != nil {
				logger.Warn().Err(err).Str("project", projectID).Msg("failed to remove project data")
			}
			continue
		}

		branchDirs, err := os.ReadDir(filepath.Join(root, projectID))
		if err != nil {
			logger.Warn().Err(err).Str("project", projectID).Msg("failed to scan project data")
			continue
		}
		for _, branchDir := range branchDirs {
			if !branchDir.IsDir() {
				continue
			}
			slug := branchDir.Name()
			m.mu.RLock()
			live := m.world.HasDeploymentSlug(projectID, slug)
			m.mu.RUnlock()
			if live {
				continue
			}
			if err := os.RemoveAll(filepath.Join(root, projectID, slug)); err != nil {
				logger.Warn().Err(err).Str("project", projectID).
					Str("slug", slug).Msg("failed to remove branch data")
			}
		}
	}
}
