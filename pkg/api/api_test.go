package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/conf"
	"github.com/prezel/prezel/pkg/deployments"
	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/storage"
	"github.com/prezel/prezel/pkg/tokens"
	"github.com/prezel/prezel/pkg/types"
)

type stubRuntime struct{}

func (stubRuntime) EnsureNetwork(context.Context) error { return nil }
func (stubRuntime) ImageExists(context.Context, docker.ImageName) (bool, error) {
	return true, nil
}
func (stubRuntime) BuildImage(context.Context, docker.ImageName, docker.BuildOptions, docker.LogSink) error {
	return nil
}
func (stubRuntime) PullImage(context.Context, string) error { return nil }
func (stubRuntime) ListManagedImages(context.Context) ([]docker.ImageName, error) {
	return nil, nil
}
func (stubRuntime) RemoveImage(context.Context, docker.ImageName) error { return nil }
func (stubRuntime) CreateContainer(_ context.Context, name string, _ docker.CreateOptions) (string, error) {
	return "ctr-" + name, nil
}
func (stubRuntime) StartContainer(context.Context, string) error { return nil }
func (stubRuntime) StopContainer(context.Context, string) error  { return nil }
func (stubRuntime) RemoveContainer(context.Context, string) error {
	return nil
}
func (stubRuntime) ListManagedContainers(context.Context) ([]docker.ManagedContainer, error) {
	return nil, nil
}
func (stubRuntime) ContainerIPv4(context.Context, string) (string, error) {
	return "172.18.0.2", nil
}
func (stubRuntime) ExecutionLogs(context.Context, string) ([]docker.LogLine, error) {
	return nil, nil
}

type apiFixture struct {
	store   storage.Store
	manager *deployments.Manager
	handler http.Handler
	secret  []byte
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	t.Setenv("PREZEL_ROOT", t.TempDir())

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &conf.Conf{Hostname: "box.dev", Secret: []byte("0123456789abcdef0123456789abcdef")}
	certStore := certs.NewStore(nil, cfg.WildcardDomain(), nil)
	manager := deployments.NewManager(cfg, store, github.New(nil), stubRuntime{}, certStore)
	server := NewServer(cfg, store, manager, stubRuntime{}, certStore)

	return &apiFixture{
		store:   store,
		manager: manager,
		handler: server.Handler(),
		secret:  cfg.Secret,
	}
}

func (f *apiFixture) token(t *testing.T, role tokens.Role) string {
	t.Helper()
	token, err := tokens.Generate(tokens.APIClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, f.secret)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, role tokens.Role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, role))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "", http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, tokens.RoleUser, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// mutations need the admin role
	rec = f.do(t, tokens.RoleUser, http.MethodPost, "/api/projects", types.InsertProject{Name: "blog", RepoID: 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAndGetProject(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/projects", types.InsertProject{
		Name:   "blog",
		RepoID: 42,
		Env:    []types.EnvVar{{Name: "FOO", Value: "bar"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, tokens.RoleUser, http.MethodGet, "/api/projects/blog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp projectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "blog", resp.Name)
	assert.Equal(t, int64(42), resp.RepoID)
	require.Len(t, resp.Env, 1)
	assert.Equal(t, "FOO", resp.Env[0].Name)
}

func TestCreateProjectValidatesName(t *testing.T) {
	f := newAPIFixture(t)

	for _, name := range []string{"", "Bad", "has--separator", "-leading", "trailing-", "dot.name"} {
		rec := f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/projects", types.InsertProject{Name: name, RepoID: 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "name %q", name)
	}
}

func TestCreateProjectRejectsDuplicateName(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/projects", types.InsertProject{Name: "blog", RepoID: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/projects", types.InsertProject{Name: "blog", RepoID: 2})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnvLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/projects", types.InsertProject{Name: "blog", RepoID: 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/projects/blog/env", types.EnvVar{Name: "KEY", Value: "v1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/projects/blog/env", types.EnvVar{Name: "KEY", Value: "v2"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	p, err := f.store.GetProjectByName("blog")
	require.NoError(t, err)
	require.Len(t, p.Env, 1)
	assert.Equal(t, "v2", p.Env[0].Value)

	rec = f.do(t, tokens.RoleAdmin, http.MethodDelete, "/api/projects/blog/env/KEY", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	p, err = f.store.GetProjectByName("blog")
	require.NoError(t, err)
	assert.Empty(t, p.Env)
}

func TestRedeployClonesRow(t *testing.T) {
	f := newAPIFixture(t)

	p := &types.Project{Name: "blog", RepoID: 1}
	require.NoError(t, f.store.UpsertProject(p))
	built := types.BuildResultBuilt
	id, err := f.store.InsertDeployment(types.InsertDeployment{
		Sha: "abc123", Branch: "main", DefaultBranch: true, Project: p.ID, Result: &built,
		Env: []types.EnvVar{{Name: "FOO", Value: "bar"}},
	}, types.DeploymentConfig{})
	require.NoError(t, err)
	require.NoError(t, f.manager.SyncWithDB(context.Background()))

	rec := f.do(t, tokens.RoleAdmin, http.MethodPost, "/api/deployments/"+id+"/redeploy", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])
	require.NotEqual(t, id, resp["id"])

	clone, err := f.store.GetDeployment(resp["id"])
	require.NoError(t, err)
	assert.Equal(t, "abc123", clone.Sha)
	assert.Nil(t, clone.Result, "clone starts queued")
	assert.Equal(t, []types.EnvVar{{Name: "FOO", Value: "bar"}}, clone.Env)
}

func TestDeleteDeployment(t *testing.T) {
	f := newAPIFixture(t)

	p := &types.Project{Name: "blog", RepoID: 1}
	require.NoError(t, f.store.UpsertProject(p))
	built := types.BuildResultBuilt
	id, err := f.store.InsertDeployment(types.InsertDeployment{
		Sha: "abc123", Branch: "main", DefaultBranch: true, Project: p.ID, Result: &built,
	}, types.DeploymentConfig{})
	require.NoError(t, err)
	require.NoError(t, f.manager.SyncWithDB(context.Background()))

	rec := f.do(t, tokens.RoleAdmin, http.MethodDelete, "/api/deployments/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := f.manager.GetDeploymentByID(id)
	assert.False(t, ok, "actor dropped after delete")
}

func TestBuildLogsEmpty(t *testing.T) {
	f := newAPIFixture(t)

	p := &types.Project{Name: "blog", RepoID: 1}
	require.NoError(t, f.store.UpsertProject(p))
	id, err := f.store.InsertDeployment(types.InsertDeployment{
		Sha: "abc123", Branch: "main", DefaultBranch: true, Project: p.ID,
	}, types.DeploymentConfig{})
	require.NoError(t, err)

	rec := f.do(t, tokens.RoleUser, http.MethodGet, "/api/deployments/"+id+"/logs/build", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestSystemEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, tokens.RoleUser, http.MethodGet, "/api/system", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp systemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "box.dev", resp.Hostname)
	assert.Contains(t, resp.Certs, "*.box.dev")
}
