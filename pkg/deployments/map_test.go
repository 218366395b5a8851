package deployments

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/conf"
	"github.com/prezel/prezel/pkg/container"
	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/label"
	"github.com/prezel/prezel/pkg/paths"
	"github.com/prezel/prezel/pkg/storage"
	"github.com/prezel/prezel/pkg/types"
)

// nopRuntime satisfies the engine interface without a daemon.
type nopRuntime struct{}

func (nopRuntime) EnsureNetwork(context.Context) error { return nil }
func (nopRuntime) ImageExists(context.Context, docker.ImageName) (bool, error) {
	return true, nil
}
func (nopRuntime) BuildImage(context.Context, docker.ImageName, docker.BuildOptions, docker.LogSink) error {
	return nil
}
func (nopRuntime) PullImage(context.Context, string) error { return nil }
func (nopRuntime) ListManagedImages(context.Context) ([]docker.ImageName, error) {
	return nil, nil
}
func (nopRuntime) RemoveImage(context.Context, docker.ImageName) error { return nil }
func (nopRuntime) CreateContainer(_ context.Context, name string, _ docker.CreateOptions) (string, error) {
	return "ctr-" + name, nil
}
func (nopRuntime) StartContainer(context.Context, string) error { return nil }
func (nopRuntime) StopContainer(context.Context, string) error  { return nil }
func (nopRuntime) RemoveContainer(context.Context, string) error {
	return nil
}
func (nopRuntime) ListManagedContainers(context.Context) ([]docker.ManagedContainer, error) {
	return nil, nil
}
func (nopRuntime) ContainerIPv4(context.Context, string) (string, error) {
	return "172.18.0.2", nil
}
func (nopRuntime) ExecutionLogs(context.Context, string) ([]docker.LogLine, error) {
	return nil, nil
}

type nopQueue struct{}

func (nopQueue) Trigger() {}

type worldFixture struct {
	store storage.Store
	gh    *github.Client
	certs *certs.Store
	world *Map
}

func newWorldFixture(t *testing.T) *worldFixture {
	t.Helper()
	t.Setenv("PREZEL_ROOT", t.TempDir())
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &worldFixture{
		store: store,
		gh:    github.New(nil),
		certs: certs.NewStore(nil, "*.box.dev", nil),
		world: NewMap("box.dev"),
	}
}

func (f *worldFixture) rebuild(t *testing.T) {
	t.Helper()
	require.NoError(t, f.world.Rebuild(context.Background(), f.store, f.gh, nopRuntime{}, nopQueue{}, f.certs))
}

func (f *worldFixture) insertProject(t *testing.T, name string, domains ...string) *types.Project {
	t.Helper()
	p := &types.Project{Name: name, RepoID: 42, CustomDomains: domains}
	require.NoError(t, f.store.UpsertProject(p))
	return p
}

func (f *worldFixture) insertDeployment(t *testing.T, project string, defaultBranch bool, result *types.BuildResult) *types.Deployment {
	t.Helper()
	id, err := f.store.InsertDeployment(types.InsertDeployment{
		Sha:           types.NewID(),
		Timestamp:     types.NowMillis(),
		Branch:        "main",
		DefaultBranch: defaultBranch,
		Project:       project,
		Result:        result,
	}, types.DeploymentConfig{})
	require.NoError(t, err)
	d, err := f.store.GetDeployment(id)
	require.NoError(t, err)
	return d
}

func TestRebuildMaterializesWorld(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	built := types.BuildResultBuilt
	dep := f.insertDeployment(t, p.ID, true, &built)

	f.rebuild(t)

	got, ok := f.world.GetDeployment("blog", dep.Slug)
	require.True(t, ok)
	assert.Equal(t, dep.ID, got.ID)
	assert.Equal(t, container.StatusBuilt, got.App.Status().Kind)

	prod, ok := f.world.GetProd(p.ID)
	require.True(t, ok)
	assert.Equal(t, dep.ID, prod.ID)

	_, ok = f.world.GetProdDB(p.ID)
	assert.True(t, ok)
}

func TestRebuildIsIdempotent(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	built := types.BuildResultBuilt
	dep := f.insertDeployment(t, p.ID, true, &built)

	f.rebuild(t)
	first, ok := f.world.GetDeployment("blog", dep.Slug)
	require.True(t, ok)

	f.rebuild(t)
	second, ok := f.world.GetDeployment("blog", dep.Slug)
	require.True(t, ok)
	assert.Same(t, first.App, second.App, "actors survive a rebuild")
}

func TestProdSelectionPrefersBuilt(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	built := types.BuildResultBuilt
	older := f.insertDeployment(t, p.ID, true, &built)
	// newer on the default branch but never built
	f.insertDeployment(t, p.ID, true, nil)

	f.rebuild(t)

	prod, ok := f.world.GetProd(p.ID)
	require.True(t, ok)
	assert.Equal(t, older.ID, prod.ID)
}

func TestProdSelectionFallsBackWithoutBuilt(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	a := f.insertDeployment(t, p.ID, true, nil)
	b := f.insertDeployment(t, p.ID, true, nil)

	expected := a
	if b.Created > a.Created || (b.Created == a.Created && b.ID > a.ID) {
		expected = b
	}

	f.rebuild(t)

	prod, ok := f.world.GetProd(p.ID)
	require.True(t, ok)
	assert.Equal(t, expected.ID, prod.ID)
}

func TestProdSelectionHonorsPin(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	built := types.BuildResultBuilt
	f.insertDeployment(t, p.ID, true, &built)
	pinned := f.insertDeployment(t, p.ID, false, &built)

	p.ProdID = pinned.ID
	require.NoError(t, f.store.UpsertProject(p))

	f.rebuild(t)

	prod, ok := f.world.GetProd(p.ID)
	require.True(t, ok)
	assert.Equal(t, pinned.ID, prod.ID)
}

func TestRebuildDropsDeletedDeployments(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	built := types.BuildResultBuilt
	dep := f.insertDeployment(t, p.ID, true, &built)

	f.rebuild(t)
	require.True(t, f.world.HasDeploymentSlug(p.ID, dep.Slug))

	require.NoError(t, f.store.DeleteDeployment(dep.ID))
	f.rebuild(t)

	assert.False(t, f.world.HasDeploymentSlug(p.ID, dep.Slug))
	_, ok := f.world.GetDeployment("blog", dep.Slug)
	assert.False(t, ok)
}

func TestRebuildSurvivesDBSetupFailure(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	built := types.BuildResultBuilt
	f.insertDeployment(t, p.ID, true, &built)

	// a file where the dbs directory belongs makes the production db
	// impossible to create
	dbsPath := filepath.Join(paths.ContainerRoot(), "dbs")
	require.NoError(t, os.WriteFile(dbsPath, nil, 0o644))

	f.rebuild(t)

	assert.True(t, f.world.HasProject(p.ID))
	_, ok := f.world.GetProdDB(p.ID)
	assert.False(t, ok)

	// once the obstruction is gone a later pass recovers
	require.NoError(t, os.Remove(dbsPath))
	f.rebuild(t)
	_, ok = f.world.GetProdDB(p.ID)
	assert.True(t, ok)
}

func TestRebuildRegistersCustomDomains(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog", "example.com")

	f.rebuild(t)
	assert.Contains(t, f.certs.States(), "example.com")

	none := []string{}
	require.NoError(t, f.store.UpdateProject(p.ID, types.UpdateProject{CustomDomains: &none}))
	f.rebuild(t)
	assert.NotContains(t, f.certs.States(), "example.com")
}

func TestResolveLabel(t *testing.T) {
	f := newWorldFixture(t)
	p := f.insertProject(t, "blog")
	built := types.BuildResultBuilt
	dep := f.insertDeployment(t, p.ID, true, &built)

	f.rebuild(t)

	prodDep, _ := f.world.GetProd(p.ID)
	c, insert, err := f.world.ResolveLabel(label.Label{Kind: label.Prod, Project: "blog"})
	require.NoError(t, err)
	assert.Same(t, prodDep.App, c)
	assert.False(t, insert)

	db, _ := f.world.GetProdDB(p.ID)
	c, insert, err = f.world.ResolveLabel(label.Label{Kind: label.ProdDb, Project: "blog"})
	require.NoError(t, err)
	assert.Same(t, db.Setup.Container, c)
	assert.False(t, insert, "db access is gated by sqld itself")

	c, _, err = f.world.ResolveLabel(label.Label{
		Kind: label.Deployment, Project: "blog", Deployment: dep.Slug,
	})
	require.NoError(t, err)
	assert.Same(t, prodDep.App, c)

	_, _, err = f.world.ResolveLabel(label.Label{Kind: label.Prod, Project: "nope"})
	assert.Error(t, err)
}

func TestManagerRoutesHostnames(t *testing.T) {
	t.Setenv("PREZEL_ROOT", t.TempDir())
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &conf.Conf{Hostname: "box.dev"}
	certStore := certs.NewStore(nil, cfg.WildcardDomain(), nil)
	m := NewManager(cfg, store, github.New(nil), nopRuntime{}, certStore)

	p := &types.Project{Name: "blog", RepoID: 42, CustomDomains: []string{"example.com"}}
	require.NoError(t, store.UpsertProject(p))
	built := types.BuildResultBuilt
	id, err := store.InsertDeployment(types.InsertDeployment{
		Sha: "abc", Branch: "main", DefaultBranch: true, Project: p.ID, Result: &built,
	}, types.DeploymentConfig{})
	require.NoError(t, err)
	dep, err := store.GetDeployment(id)
	require.NoError(t, err)

	require.NoError(t, m.SyncWithDB(context.Background()))

	prod, ok := m.GetProdDeployment(p.ID)
	require.True(t, ok)

	target, err := m.GetContainerByHostname("blog.box.dev")
	require.NoError(t, err)
	assert.Same(t, prod.App, target.Container)

	target, err = m.GetContainerByHostname("example.com")
	require.NoError(t, err)
	assert.Same(t, prod.App, target.Container)

	target, err = m.GetContainerByHostname("blog--" + dep.Slug + "-insert.box.dev")
	require.NoError(t, err)
	assert.Same(t, prod.App, target.Container)
	assert.True(t, target.InsertEnabled)

	_, err = m.GetContainerByHostname("missing.box.dev")
	assert.Error(t, err)

	_, err = m.GetContainerByHostname("unrelated.example.net")
	assert.Error(t, err)
}
