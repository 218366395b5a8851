package container

import (
	"context"
	"fmt"

	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/env"
	"github.com/prezel/prezel/pkg/paths"
	"github.com/prezel/prezel/pkg/types"
)

const sqldVersion = "0.24.28"

const sqldImage = docker.ImageName("ghcr.io/tursodatabase/libsql-server:v" + sqldVersion)

// sqldSetup provisions nothing: the image is pulled on first start and the
// data file is prepared by whoever created the DB.
type sqldSetup struct {
	runtime docker.Runtime
}

func (s sqldSetup) SetupDB(context.Context) (*DBSetup, error) { return nil, nil }

func (s sqldSetup) Build(ctx context.Context, _ DeploymentHooks) (docker.ImageName, error) {
	if err := s.runtime.PullImage(ctx, sqldImage.String()); err != nil {
		return "", err
	}
	return sqldImage, nil
}

// NewSqld builds the actor for an embedded SQL server over one data file.
// The entrypoint symlinks the mounted file into the server's expected
// layout before starting it. The container starts out Built: there is
// nothing to compile, the image only needs a pull.
func NewSqld(dbFile paths.HostFile, runtime docker.Runtime, buildQueue BuildQueue) *Container {
	dbPath := dbFile.ContainerFile()
	command := fmt.Sprintf(
		"mkdir -p /tmp/db/dbs && printf %s > /tmp/db/.version && ln -s %s /tmp/db/data && ln -s /tmp/db /tmp/db/dbs/default && /usr/local/bin/docker-wrapper.sh /bin/sqld",
		sqldVersion, dbPath,
	)
	result := types.BuildResultBuilt
	return New(sqldSetup{runtime: runtime}, Config{
		Env: env.New(
			env.Var{Name: "SQLD_HTTP_LISTEN_ADDR", Value: "127.0.0.1:80"},
			env.Var{Name: "SQLD_DB_PATH", Value: "/tmp/db"},
		),
		Files:         []paths.HostFile{dbFile},
		Command:       []string{"/bin/sh", "-c", command},
		InitialStatus: StatusBuilt,
		InitialImage:  sqldImage,
		Pull:          true,
		Result:        &result,
	}, runtime, buildQueue, "", true, NoopHooks{})
}
