// Package container models each deployment's app container (and its DB
// container) as an actor: a state machine guarded by its own mutex, woken
// on demand by the proxy and driven through builds by the build worker.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prezel/prezel/pkg/docker"
	"github.com/prezel/prezel/pkg/env"
	"github.com/prezel/prezel/pkg/log"
	"github.com/prezel/prezel/pkg/paths"
	"github.com/prezel/prezel/pkg/tokens"
	"github.com/prezel/prezel/pkg/types"
)

// idleGrace is how long a non-production container may sit unused before a
// reconciliation pass stops it.
const idleGrace = 5 * time.Minute

const bringUpTimeout = 2 * time.Minute

// ErrBuildFailed is returned by EnqueueUp when the deployment's build is
// terminally failed.
var ErrBuildFailed = errors.New("deployment build failed")

// StatusKind enumerates the actor states.
type StatusKind string

const (
	StatusQueued   StatusKind = "queued"
	StatusBuilding StatusKind = "building"
	StatusBuilt    StatusKind = "built"
	StatusStandBy  StatusKind = "standby"
	StatusReady    StatusKind = "ready"
	StatusFailed   StatusKind = "failed"
)

// DBSetup is a provisioned database: its server container, its auth
// identity and the data file it serves.
type DBSetup struct {
	Container *Container
	Auth      *tokens.DBAuth
	File      paths.HostFile
}

// State is a snapshot of the actor. Fields beyond Kind are populated
// progressively as the deployment advances.
type State struct {
	Kind        StatusKind
	Image       docker.ImageName
	ContainerID string
	IP          string
	DB          *DBSetup
}

// BuildQueue wakes the build worker. Satisfied by the worker runtime.
type BuildQueue interface {
	Trigger()
}

// Setup supplies the container-specific provisioning steps.
type Setup interface {
	// SetupDB provisions the database this container depends on, or
	// returns nil when it attaches to one owned elsewhere.
	SetupDB(ctx context.Context) (*DBSetup, error)
	// Build makes the image available and returns its name.
	Build(ctx context.Context, hooks DeploymentHooks) (docker.ImageName, error)
}

// Config is the immutable per-container configuration.
type Config struct {
	Env           env.Vars
	Files         []paths.HostFile
	Command       []string
	InitialStatus StatusKind
	Result        *types.BuildResult
	// InitialImage is set for containers whose image needs no build.
	InitialImage docker.ImageName
	// Pull marks the image as registry-provided: it is pulled on first
	// start instead of built.
	Pull bool
}

// Container is the actor. All mutable fields are guarded by mu; changed is
// replaced on every transition so waiters can select on it together with
// their request deadline.
type Container struct {
	runtime      docker.Runtime
	setup        Setup
	cfg          Config
	buildQueue   BuildQueue
	deploymentID string
	public       bool
	hooks        DeploymentHooks

	mu            sync.Mutex
	state         State
	changed       chan struct{}
	starting      bool
	startGen      uint64
	startErr      error
	containerName string
	lastAccess    int64
}

// New assembles a container actor in its initial state.
func New(setup Setup, cfg Config, runtime docker.Runtime, buildQueue BuildQueue, deploymentID string, public bool, hooks DeploymentHooks) *Container {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Container{
		runtime:      runtime,
		setup:        setup,
		cfg:          cfg,
		buildQueue:   buildQueue,
		deploymentID: deploymentID,
		public:       public,
		hooks:        hooks,
		state:        State{Kind: cfg.InitialStatus, Image: cfg.InitialImage},
		changed:      make(chan struct{}),
		lastAccess:   types.NowMillis(),
	}
}

// Status snapshots the current state.
func (c *Container) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Public reports whether requests reach this container without auth.
func (c *Container) Public() bool { return c.public }

// DeploymentID returns the owning deployment id, empty for DB containers.
func (c *Container) DeploymentID() string { return c.deploymentID }

// ContainerName returns the runtime name once a container exists.
func (c *Container) ContainerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerName
}

// Result returns the persisted build result this actor was restored with.
func (c *Container) Result() *types.BuildResult {
	return c.cfg.Result
}

// broadcast wakes every waiter. Callers must hold mu.
func (c *Container) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// EnqueueUp brings the container to Ready, blocking until it is serving or
// the attempt fails. Only the first caller drives the transition; the rest
// piggy-back on the same attempt. The context deadline bounds the wait but
// never aborts an in-flight build.
func (c *Container) EnqueueUp(ctx context.Context) (State, error) {
	for {
		c.mu.Lock()
		st := c.state
		switch st.Kind {
		case StatusReady:
			c.lastAccess = types.NowMillis()
			c.mu.Unlock()
			return st, nil
		case StatusFailed:
			c.mu.Unlock()
			return st, ErrBuildFailed
		case StatusBuilt, StatusStandBy:
			if !c.starting {
				c.starting = true
				go c.bringUp(st)
			}
		}
		gen := c.startGen
		ch := c.changed
		c.mu.Unlock()

		if st.Kind == StatusQueued {
			c.buildQueue.Trigger()
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}

		c.mu.Lock()
		if c.startGen > gen && c.startErr != nil && c.state.Kind != StatusReady {
			err := c.startErr
			c.mu.Unlock()
			return State{}, err
		}
		c.mu.Unlock()
	}
}

// bringUp runs a single Built/StandBy -> Ready attempt. It never runs
// concurrently with itself: the starting flag admits one goroutine.
func (c *Container) bringUp(st State) {
	ctx, cancel := context.WithTimeout(context.Background(), bringUpTimeout)
	defer cancel()

	ready, err := c.tryBringUp(ctx, st)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	c.startGen++
	c.startErr = err
	if err == nil {
		c.state = ready
		c.lastAccess = types.NowMillis()
	} else {
		logger := log.WithComponent("container")
		logger.Error().Err(err).
			Str("deployment", c.deploymentID).Msg("failed to bring container up")
	}
	c.broadcast()
}

func (c *Container) tryBringUp(ctx context.Context, st State) (State, error) {
	dbSetup := st.DB
	if dbSetup == nil {
		setup, err := c.setup.SetupDB(ctx)
		if err != nil {
			return State{}, fmt.Errorf("db setup failed: %w", err)
		}
		dbSetup = setup
	}
	if dbSetup != nil {
		if _, err := dbSetup.Container.EnqueueUp(ctx); err != nil {
			return State{}, fmt.Errorf("db container failed to start: %w", err)
		}
	}

	containerID := st.ContainerID
	if containerID == "" {
		if c.cfg.Pull {
			exists, err := c.runtime.ImageExists(ctx, st.Image)
			if err != nil {
				return State{}, err
			}
			if !exists {
				if err := c.runtime.PullImage(ctx, st.Image.String()); err != nil {
					return State{}, fmt.Errorf("image pull failed: %w", err)
				}
			}
		}
		name := docker.NewContainerName()
		mounts := make([]docker.Mount, 0, len(c.cfg.Files))
		for _, f := range c.cfg.Files {
			mounts = append(mounts, docker.Mount{
				HostPath:      f.HostFolder(),
				ContainerPath: f.ContainerFolder(),
			})
		}
		id, err := c.runtime.CreateContainer(ctx, name, docker.CreateOptions{
			Image:   st.Image,
			Env:     c.cfg.Env.Strings(),
			Command: c.cfg.Command,
			Mounts:  mounts,
		})
		if err != nil {
			return State{}, fmt.Errorf("container create failed: %w", err)
		}
		containerID = id
		c.mu.Lock()
		c.containerName = name
		c.mu.Unlock()
	}

	if err := c.runtime.StartContainer(ctx, containerID); err != nil {
		return State{}, fmt.Errorf("container start failed: %w", err)
	}
	ip, err := c.runtime.ContainerIPv4(ctx, containerID)
	if err != nil {
		return State{}, fmt.Errorf("failed to resolve container address: %w", err)
	}
	return State{
		Kind:        StatusReady,
		Image:       st.Image,
		ContainerID: containerID,
		IP:          ip,
		DB:          dbSetup,
	}, nil
}

// RunBuild drives a Queued container through its build. Called by the
// build worker, which guarantees a single concurrent build globally.
func (c *Container) RunBuild(ctx context.Context) {
	c.mu.Lock()
	if c.state.Kind != StatusQueued {
		c.mu.Unlock()
		return
	}
	c.state = State{Kind: StatusBuilding}
	c.broadcast()
	c.mu.Unlock()

	c.hooks.OnBuildStarted(ctx)
	image, err := c.setup.Build(ctx, c.hooks)

	c.mu.Lock()
	if err != nil {
		c.state = State{Kind: StatusFailed}
	} else {
		c.state = State{Kind: StatusBuilt, Image: image}
	}
	c.broadcast()
	c.mu.Unlock()

	if err != nil {
		c.hooks.OnBuildLog(ctx, docker.LogLine{Time: types.NowMillis(), Content: err.Error(), IsError: true})
		c.hooks.OnBuildFinished(ctx, types.BuildResultFailed)
		logger := log.WithComponent("container")
		logger.Error().Err(err).
			Str("deployment", c.deploymentID).Msg("build failed")
	} else {
		c.hooks.OnBuildFinished(ctx, types.BuildResultBuilt)
	}
}

// NeedsBuild reports whether the build worker should pick this actor up.
func (c *Container) NeedsBuild() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Kind == StatusQueued
}

// WarmUp kicks off a background wake so production apps are serving before
// their first request after a map rebuild.
func (c *Container) WarmUp() {
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), bringUpTimeout)
		defer cancel()
		if _, err := c.EnqueueUp(warmCtx); err != nil {
			logger := log.WithComponent("container")
			logger.Warn().Err(err).
				Str("deployment", c.deploymentID).Msg("failed to warm up production container")
		}
	}()
}

// DowngradeIfUnused stops a Ready container that has been idle beyond the
// grace window. The image and the container record are kept, so the next
// request only pays the start cost.
func (c *Container) DowngradeIfUnused(ctx context.Context) {
	c.mu.Lock()
	if c.state.Kind != StatusReady || c.starting {
		c.mu.Unlock()
		return
	}
	if types.NowMillis()-c.lastAccess < idleGrace.Milliseconds() {
		c.mu.Unlock()
		return
	}
	st := c.state
	c.state = State{
		Kind:        StatusStandBy,
		Image:       st.Image,
		ContainerID: st.ContainerID,
		DB:          st.DB,
	}
	c.broadcast()
	c.mu.Unlock()

	if err := c.runtime.StopContainer(ctx, st.ContainerID); err != nil {
		logger := log.WithComponent("container")
		logger.Warn().Err(err).
			Str("deployment", c.deploymentID).Msg("failed to stop idle container")
	}
}
