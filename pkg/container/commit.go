package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/env"
	"github.com/prezel/prezel/pkg/github"
	"github.com/prezel/prezel/pkg/nixpacks"
	"github.com/prezel/prezel/pkg/types"
)

// CommitParams describes the app container of one commit-backed deployment.
type CommitParams struct {
	RepoID       int64
	Sha          string
	DeploymentID string
	// Slug is the URL identifier, also naming the branch DB directory.
	Slug   string
	Root   string
	Env    env.Vars
	Config types.DeploymentConfig
	// Branch marks a non-default-branch deployment, which gets its own
	// database fork instead of attaching to production.
	Branch bool
	Public bool
	DBURL  string

	InitialStatus StatusKind
	Result        *types.BuildResult
}

type commitSetup struct {
	github   *github.Client
	runtime  docker.Runtime
	params   CommitParams
	branchDB *BranchDB
	prodDB   *ProdDB
	env      env.Vars
}

// NewCommit assembles the app container actor for a deployment. The env
// the container will see is frozen here: DB wiring first, then the user
// snapshot, reserved names winning.
func NewCommit(params CommitParams, gh *github.Client, runtime docker.Runtime, buildQueue BuildQueue, prodDB *ProdDB, hooks DeploymentHooks) (*Container, error) {
	var branchDB *BranchDB
	token := prodDB.Setup.Auth.PermanentToken()
	if params.Branch {
		db, err := prodDB.Branch(params.Slug, runtime, buildQueue)
		if err != nil {
			return nil, err
		}
		branchDB = db
		token = db.Auth().PermanentToken()
	}

	reserved := env.New(
		env.Var{Name: "PREZEL_DB_URL", Value: params.DBURL},
		env.Var{Name: "PREZEL_DB_AUTH_TOKEN", Value: token},
		env.Var{Name: "PREZEL_LIBSQL_URL", Value: params.DBURL},
		env.Var{Name: "PREZEL_LIBSQL_AUTH_TOKEN", Value: token},
		env.Var{Name: "ASTRO_DB_REMOTE_URL", Value: params.DBURL},
		env.Var{Name: "ASTRO_DB_APP_TOKEN", Value: token},
		env.Var{Name: "HOST", Value: "0.0.0.0"},
		env.Var{Name: "PORT", Value: "80"},
	)
	merged := env.MergeReserved(reserved, params.Env)

	setup := &commitSetup{
		github:   gh,
		runtime:  runtime,
		params:   params,
		branchDB: branchDB,
		prodDB:   prodDB,
		env:      merged,
	}
	return New(setup, Config{
		Env:           merged,
		InitialStatus: params.InitialStatus,
		InitialImage:  docker.ImageFromDeployment(params.DeploymentID),
		Result:        params.Result,
	}, runtime, buildQueue, params.DeploymentID, params.Public, hooks), nil
}

// SetupDB forks the production database for branch deployments. Default
// branch deployments return nil: they talk to the production DB container,
// which is owned by the world model and woken through its own hostname.
func (s *commitSetup) SetupDB(ctx context.Context) (*DBSetup, error) {
	if s.branchDB == nil {
		return nil, nil
	}
	return s.branchDB.Setup(ctx)
}

// Build produces the deployment image. An image left over from a previous
// run short-circuits the whole download-and-build.
func (s *commitSetup) Build(ctx context.Context, hooks DeploymentHooks) (docker.ImageName, error) {
	name := docker.ImageFromDeployment(s.params.DeploymentID)
	exists, err := s.runtime.ImageExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return name, nil
	}

	dir, err := os.MkdirTemp("", "prezel-build-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	contextDir, dockerfile, err := s.buildContext(ctx, dir)
	if err != nil {
		return "", err
	}
	err = s.runtime.BuildImage(ctx, name, docker.BuildOptions{
		ContextDir: contextDir,
		Dockerfile: dockerfile,
		BuildArgs:  s.env.BuildArgs(),
	}, func(line docker.LogLine) {
		hooks.OnBuildLog(ctx, line)
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// buildContext downloads the commit and decides the build recipe: a forced
// Dockerfile path, a forced or fallback nixpacks synthesis, or the
// Dockerfile found at the root.
func (s *commitSetup) buildContext(ctx context.Context, dir string) (string, string, error) {
	if err := s.github.DownloadCommit(ctx, s.params.RepoID, s.params.Sha, dir); err != nil {
		return "", "", fmt.Errorf("failed to download commit: %w", err)
	}
	inner := filepath.Join(dir, s.params.Root)

	const defaultDockerfile = "Dockerfile"
	if forced, ok := s.params.Config.ForcedDockerfile(); ok {
		return inner, forced, nil
	}
	_, statErr := os.Stat(filepath.Join(inner, defaultDockerfile))
	if s.params.Config.ForcedNixpacks() || statErr != nil {
		if err := nixpacks.WriteDockerfile(ctx, inner, s.env.Strings()); err != nil {
			return "", "", err
		}
	}
	return inner, defaultDockerfile, nil
}
