package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/paths"
	"github.com/prezel/prezel/pkg/tokens"
)

const dbFileName = "data.db"

// ProdDB is the single authoritative database of a project.
type ProdDB struct {
	ProjectID string
	Setup     *DBSetup
}

// NewProdDB materializes the production database for a project, creating
// an empty data file on first use.
func NewProdDB(projectID string, runtime docker.Runtime, buildQueue BuildQueue) (*ProdDB, error) {
	file := paths.NewHostFile(paths.ProjectDBDir(projectID), dbFileName)
	if err := ensureFile(file.ContainerFile()); err != nil {
		return nil, fmt.Errorf("failed to create production db file: %w", err)
	}
	auth, err := tokens.NewDBAuth()
	if err != nil {
		return nil, err
	}
	return &ProdDB{
		ProjectID: projectID,
		Setup: &DBSetup{
			Container: NewSqld(file, runtime, buildQueue),
			Auth:      auth,
			File:      file,
		},
	}, nil
}

// Branch declares a fork of this database for a deployment. The snapshot
// is taken lazily at build time, not here.
func (p *ProdDB) Branch(deploymentSlug string, runtime docker.Runtime, buildQueue BuildQueue) (*BranchDB, error) {
	auth, err := tokens.NewDBAuth()
	if err != nil {
		return nil, err
	}
	return &BranchDB{
		prod:       p,
		slug:       deploymentSlug,
		auth:       auth,
		runtime:    runtime,
		buildQueue: buildQueue,
	}, nil
}

// BranchDB is a deployment-scoped fork of a production database.
type BranchDB struct {
	prod       *ProdDB
	slug       string
	auth       *tokens.DBAuth
	runtime    docker.Runtime
	buildQueue BuildQueue

	mu    sync.Mutex
	setup *DBSetup
}

// Auth returns the fork's auth identity. Valid before Setup runs, so the
// app container env can be frozen at construction time.
func (b *BranchDB) Auth() *tokens.DBAuth { return b.auth }

// Setup snapshots the production data file into the deployment-scoped
// directory (first call only) and returns the fork's server setup. The
// setup is cached: repeated wakes reuse the same container actor.
func (b *BranchDB) Setup(ctx context.Context) (*DBSetup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.setup != nil {
		return b.setup, nil
	}

	file := paths.NewHostFile(paths.BranchDBDir(b.prod.ProjectID, b.slug), dbFileName)
	if _, err := os.Stat(file.ContainerFile()); os.IsNotExist(err) {
		if err := copyFile(b.prod.Setup.File.ContainerFile(), file.ContainerFile()); err != nil {
			return nil, fmt.Errorf("failed to snapshot production db: %w", err)
		}
	}

	b.setup = &DBSetup{
		Container: NewSqld(file, b.runtime, b.buildQueue),
		Auth:      b.auth,
		File:      file,
	}
	return b.setup, nil
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
