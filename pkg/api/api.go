// Package api is the management surface of the box, served by the proxy on
// its dedicated hostname. All endpoints require a bearer token; mutations
// require the admin role.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/prezel/prezel/pkg/certs"
	"github.com/prezel/prezel/pkg/conf"
	"github.com/prezel/prezel/pkg/deployments"
	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/storage"
	"github.com/prezel/prezel/pkg/tokens"
	"github.com/prezel/prezel/pkg/types"
)

// dbTokenTTL is the lifetime of database tokens handed out by the API.
const dbTokenTTL = 24 * time.Hour

// project names become hostname labels, so the charset is restricted and
// the label separator is forbidden
var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Server wires the HTTP handlers to the world model and the store.
type Server struct {
	conf    *conf.Conf
	store   storage.Store
	manager *deployments.Manager
	runtime docker.Runtime
	certs   *certs.Store
}

// NewServer assembles the API server.
func NewServer(cfg *conf.Conf, store storage.Store, manager *deployments.Manager, runtime docker.Runtime, certStore *certs.Store) *Server {
	return &Server{conf: cfg, store: store, manager: manager, runtime: runtime, certs: certStore}
}

// Handler builds the routed handler, auth included.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.auth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/projects", s.listProjects)
		r.Post("/projects", s.createProject)
		r.Route("/projects/{name}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Patch("/", s.updateProject)
			r.Delete("/", s.deleteProject)
			r.Post("/env", s.upsertEnv)
			r.Delete("/env/{env}", s.deleteEnv)
			r.Post("/db/token", s.issueDBToken)
		})
		r.Route("/deployments/{id}", func(r chi.Router) {
			r.Get("/", s.getDeployment)
			r.Delete("/", s.deleteDeployment)
			r.Post("/redeploy", s.redeploy)
			r.Get("/logs/build", s.buildLogs)
			r.Get("/logs/runtime", s.runtimeLogs)
		})
		r.Get("/system", s.system)
		r.Post("/sync", s.sync)
	})
	return r
}

// auth verifies the bearer token and enforces admin on mutations.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := tokens.DecodeAPIToken(token, s.conf.Secret, false)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if r.Method != http.MethodGet && claims.Role != tokens.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type deploymentResponse struct {
	ID            string  `json:"id"`
	Slug          string  `json:"slug"`
	URL           string  `json:"url"`
	Branch        string  `json:"branch"`
	DefaultBranch bool    `json:"default_branch"`
	Sha           string  `json:"sha"`
	Created       int64   `json:"created"`
	Status        string  `json:"status"`
	Result        *string `json:"result,omitempty"`
	Prod          bool    `json:"prod"`
}

type projectResponse struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	RepoID        int64                `json:"repo_id"`
	Created       int64                `json:"created"`
	Root          string               `json:"root"`
	ProdURL       string               `json:"prod_url,omitempty"`
	Env           []types.EditedEnvVar `json:"env"`
	CustomDomains []string             `json:"custom_domains"`
	Deployments   []deploymentResponse `json:"deployments"`
}

func (s *Server) deploymentResponse(p *types.Project, dep *deployments.Deployment, prodSlug string) deploymentResponse {
	state := dep.App.Status()
	var result *string
	if r := dep.App.Result(); r != nil {
		v := string(*r)
		result = &v
	}
	url := fmt.Sprintf("https://%s--%s.%s", p.Name, dep.Slug, s.conf.Hostname)
	return deploymentResponse{
		ID:            dep.ID,
		Slug:          dep.Slug,
		URL:           url,
		Branch:        dep.Branch,
		DefaultBranch: dep.DefaultBranch,
		Sha:           dep.Sha,
		Created:       dep.Created,
		Status:        string(state.Kind),
		Result:        result,
		Prod:          dep.Slug == prodSlug,
	}
}

func (s *Server) projectResponse(p *types.Project, view deployments.ProjectView) projectResponse {
	resp := projectResponse{
		ID:            p.ID,
		Name:          p.Name,
		RepoID:        p.RepoID,
		Created:       p.Created,
		Root:          p.Root,
		Env:           p.Env,
		CustomDomains: p.CustomDomains,
		Deployments:   make([]deploymentResponse, 0, len(view.Deployments)),
	}
	if view.ProdSlug != "" {
		resp.ProdURL = fmt.Sprintf("https://%s.%s", p.Name, s.conf.Hostname)
	}
	for _, dep := range view.Deployments {
		resp.Deployments = append(resp.Deployments, s.deploymentResponse(p, dep, view.ProdSlug))
	}
	return resp
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		view, ok := s.manager.GetProject(p.Name)
		if !ok {
			view = deployments.ProjectView{}
		}
		out = append(out, s.projectResponse(p, view))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var insert types.InsertProject
	if err := json.NewDecoder(r.Body).Decode(&insert); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !nameRe.MatchString(insert.Name) || strings.Contains(insert.Name, "--") {
		writeError(w, http.StatusBadRequest, "invalid project name")
		return
	}
	if insert.RepoID == 0 {
		writeError(w, http.StatusBadRequest, "repo_id is required")
		return
	}
	project := &types.Project{
		Name:   insert.Name,
		RepoID: insert.RepoID,
		Root:   insert.Root,
	}
	for _, v := range insert.Env {
		project.Env = append(project.Env, types.EditedEnvVar{
			Name: v.Name, Value: v.Value, Edited: types.NowMillis(),
		})
	}
	if err := s.store.UpsertProject(project); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "project name already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.manager.TriggerSync()
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) projectByName(w http.ResponseWriter, r *http.Request) (*types.Project, bool) {
	name := chi.URLParam(r, "name")
	p, err := s.store.GetProjectByName(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown project")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return p, true
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectByName(w, r)
	if !ok {
		return
	}
	view, _ := s.manager.GetProject(p.Name)
	writeJSON(w, http.StatusOK, s.projectResponse(p, view))
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectByName(w, r)
	if !ok {
		return
	}
	var update types.UpdateProject
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if update.Name != nil && (!nameRe.MatchString(*update.Name) || strings.Contains(*update.Name, "--")) {
		writeError(w, http.StatusBadRequest, "invalid project name")
		return
	}
	if err := s.store.UpdateProject(p.ID, update); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.manager.SyncWithDB(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectByName(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteProject(p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.manager.SyncWithDB(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upsertEnv(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectByName(w, r)
	if !ok {
		return
	}
	var v types.EnvVar
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil || v.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid env var")
		return
	}
	if err := s.store.UpsertEnv(p.ID, v.Name, v.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEnv(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectByName(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteEnv(p.ID, chi.URLParam(r, "env")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// issueDBToken returns an expiring read-write token for the production
// database, for running migrations or inspecting data from the CLI.
func (s *Server) issueDBToken(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectByName(w, r)
	if !ok {
		return
	}
	db, ok := s.manager.GetProdDB(p.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "project has no database")
		return
	}
	token, err := db.Setup.Auth.IssueToken(dbTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":   fmt.Sprintf("https://%s--libsql.%s", p.Name, s.conf.Hostname),
		"token": token,
	})
}

func (s *Server) deploymentByID(w http.ResponseWriter, r *http.Request) (*types.Deployment, bool) {
	id := chi.URLParam(r, "id")
	dep, err := s.store.GetDeployment(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown deployment")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return dep, true
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	row, ok := s.deploymentByID(w, r)
	if !ok {
		return
	}
	p, err := s.store.GetProject(row.Project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	live, ok := s.manager.GetDeploymentByID(row.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not materialized yet")
		return
	}
	view, _ := s.manager.GetProject(p.Name)
	writeJSON(w, http.StatusOK, s.deploymentResponse(p, live, view.ProdSlug))
}

func (s *Server) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	row, ok := s.deploymentByID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDeployment(row.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.manager.SyncWithDB(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// redeploy clones the deployment row under a fresh id and slug. The clone
// starts Queued, so the build worker rebuilds it from the same commit with
// the same frozen env and config.
func (s *Server) redeploy(w http.ResponseWriter, r *http.Request) {
	row, ok := s.deploymentByID(w, r)
	if !ok {
		return
	}
	id, err := s.store.InsertDeployment(types.InsertDeployment{
		Env:           row.Env,
		Sha:           row.Sha,
		Timestamp:     row.Timestamp,
		Branch:        row.Branch,
		DefaultBranch: row.DefaultBranch,
		Project:       row.Project,
	}, row.Config)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.manager.SyncWithDB(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) buildLogs(w http.ResponseWriter, r *http.Request) {
	row, ok := s.deploymentByID(w, r)
	if !ok {
		return
	}
	logs, err := s.store.GetBuildLogs(row.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []types.BuildLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// runtimeLogs returns the stdout and stderr of the running app container.
func (s *Server) runtimeLogs(w http.ResponseWriter, r *http.Request) {
	row, ok := s.deploymentByID(w, r)
	if !ok {
		return
	}
	live, ok := s.manager.GetDeploymentByID(row.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not materialized yet")
		return
	}
	state := live.App.Status()
	if state.ContainerID == "" {
		writeJSON(w, http.StatusOK, []docker.LogLine{})
		return
	}
	lines, err := s.runtime.ExecutionLogs(r.Context(), state.ContainerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lines == nil {
		lines = []docker.LogLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

type systemResponse struct {
	Hostname string                 `json:"hostname"`
	Certs    map[string]certs.State `json:"certs"`
	Statuses map[string]int         `json:"container_statuses"`
}

// system reports box-level health: certificate states and a count of
// container actors per status.
func (s *Server) system(w http.ResponseWriter, r *http.Request) {
	statuses := map[string]int{}
	for _, view := range s.manager.ListProjects() {
		for _, dep := range view.Deployments {
			statuses[string(dep.App.Status().Kind)]++
		}
	}
	writeJSON(w, http.StatusOK, systemResponse{
		Hostname: s.conf.Hostname,
		Certs:    s.certs.States(),
		Statuses: statuses,
	})
}

// sync forces a full poll of the Git provider.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	s.manager.FullSyncWithGithub()
	w.WriteHeader(http.StatusNoContent)
}
