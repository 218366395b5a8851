package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prezel/prezel/pkg/docker"
)

// fakeRuntime counts engine calls and can be told to fail starts.
type fakeRuntime struct {
	mu         sync.Mutex
	created    int
	started    int
	stopped    []string
	failStarts int
}

func (f *fakeRuntime) EnsureNetwork(context.Context) error { return nil }

func (f *fakeRuntime) ImageExists(context.Context, docker.ImageName) (bool, error) {
	return true, nil
}

func (f *fakeRuntime) BuildImage(context.Context, docker.ImageName, docker.BuildOptions, docker.LogSink) error {
	return nil
}

func (f *fakeRuntime) PullImage(context.Context, string) error { return nil }

func (f *fakeRuntime) ListManagedImages(context.Context) ([]docker.ImageName, error) {
	return nil, nil
}

func (f *fakeRuntime) RemoveImage(context.Context, docker.ImageName) error { return nil }

func (f *fakeRuntime) CreateContainer(_ context.Context, name string, _ docker.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("ctr-%s", name), nil
}

func (f *fakeRuntime) StartContainer(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStarts > 0 {
		f.failStarts--
		return errors.New("engine hiccup")
	}
	f.started++
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(context.Context, string) error { return nil }

func (f *fakeRuntime) ListManagedContainers(context.Context) ([]docker.ManagedContainer, error) {
	return nil, nil
}

func (f *fakeRuntime) ContainerIPv4(context.Context, string) (string, error) {
	return "172.18.0.2", nil
}

func (f *fakeRuntime) ExecutionLogs(context.Context, string) ([]docker.LogLine, error) {
	return nil, nil
}

// fakeSetup counts builds and optionally blocks until released.
type fakeSetup struct {
	builds  atomic.Int64
	fail    bool
	release chan struct{}
}

func (s *fakeSetup) SetupDB(context.Context) (*DBSetup, error) { return nil, nil }

func (s *fakeSetup) Build(context.Context, DeploymentHooks) (docker.ImageName, error) {
	s.builds.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.fail {
		return "", errors.New("compile error")
	}
	return docker.ImageFromDeployment("a1b2c3d4e5"), nil
}

// fakeQueue drives RunBuild on trigger like the build worker would.
type fakeQueue struct {
	c        *Container
	triggers atomic.Int64
}

func (q *fakeQueue) Trigger() {
	q.triggers.Add(1)
	if q.c != nil {
		go q.c.RunBuild(context.Background())
	}
}

func newTestContainer(rt *fakeRuntime, setup Setup, initial StatusKind) (*Container, *fakeQueue) {
	queue := &fakeQueue{}
	c := New(setup, Config{InitialStatus: initial}, rt, queue, "a1b2c3d4e5", true, nil)
	queue.c = c
	return c, queue
}

func TestEnqueueUpFromBuilt(t *testing.T) {
	rt := &fakeRuntime{}
	c, _ := newTestContainer(rt, &fakeSetup{}, StatusBuilt)

	st, err := c.EnqueueUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st.Kind)
	assert.Equal(t, "172.18.0.2", st.IP)
	assert.Equal(t, 1, rt.created)
	assert.Equal(t, 1, rt.started)

	// a second call returns immediately without touching the engine
	_, err = c.EnqueueUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rt.created)
	assert.Equal(t, 1, rt.started)
}

func TestEnqueueUpSingleFlight(t *testing.T) {
	rt := &fakeRuntime{}
	c, _ := newTestContainer(rt, &fakeSetup{}, StatusBuilt)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.EnqueueUp(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, rt.created, "concurrent wakes must share one container")
	assert.Equal(t, 1, rt.started)
}

func TestEnqueueUpFromQueuedBuilds(t *testing.T) {
	rt := &fakeRuntime{}
	setup := &fakeSetup{}
	c, queue := newTestContainer(rt, setup, StatusQueued)

	st, err := c.EnqueueUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st.Kind)
	assert.Equal(t, int64(1), setup.builds.Load())
	assert.GreaterOrEqual(t, queue.triggers.Load(), int64(1))
}

func TestEnqueueUpFailedBuild(t *testing.T) {
	rt := &fakeRuntime{}
	c, _ := newTestContainer(rt, &fakeSetup{fail: true}, StatusQueued)

	_, err := c.EnqueueUp(context.Background())
	assert.ErrorIs(t, err, ErrBuildFailed)
	assert.Equal(t, StatusFailed, c.Status().Kind)
	// terminal: no retry without a fresh build trigger
	_, err = c.EnqueueUp(context.Background())
	assert.ErrorIs(t, err, ErrBuildFailed)
}

func TestEnqueueUpHonorsDeadline(t *testing.T) {
	rt := &fakeRuntime{}
	setup := &fakeSetup{release: make(chan struct{})}
	c, _ := newTestContainer(rt, setup, StatusQueued)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.EnqueueUp(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the in-flight build was not aborted and completes once released
	close(setup.release)
	st, err := c.EnqueueUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st.Kind)
	assert.Equal(t, int64(1), setup.builds.Load())
}

func TestTransientStartFailureRetries(t *testing.T) {
	rt := &fakeRuntime{failStarts: 1}
	c, _ := newTestContainer(rt, &fakeSetup{}, StatusBuilt)

	_, err := c.EnqueueUp(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusBuilt, c.Status().Kind, "state returns to previous on transient failure")

	st, err := c.EnqueueUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusReady, st.Kind)
}

func TestDowngradeIfUnused(t *testing.T) {
	rt := &fakeRuntime{}
	c, _ := newTestContainer(rt, &fakeSetup{}, StatusBuilt)

	st, err := c.EnqueueUp(context.Background())
	require.NoError(t, err)

	// fresh access: not downgraded
	c.DowngradeIfUnused(context.Background())
	assert.Equal(t, StatusReady, c.Status().Kind)

	// age the last access beyond the grace window
	c.mu.Lock()
	c.lastAccess -= idleGrace.Milliseconds() + 1
	c.mu.Unlock()

	c.DowngradeIfUnused(context.Background())
	standby := c.Status()
	assert.Equal(t, StatusStandBy, standby.Kind)
	assert.Equal(t, st.ContainerID, standby.ContainerID, "container record survives the downgrade")
	assert.Equal(t, []string{st.ContainerID}, rt.stopped)

	// the next wake reuses the stopped container
	again, err := c.EnqueueUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, st.ContainerID, again.ContainerID)
	assert.Equal(t, 1, rt.created)
}

func TestRunBuildIgnoresNonQueued(t *testing.T) {
	rt := &fakeRuntime{}
	setup := &fakeSetup{}
	c, _ := newTestContainer(rt, setup, StatusBuilt)

	c.RunBuild(context.Background())
	assert.Equal(t, int64(0), setup.builds.Load())
	assert.Equal(t, StatusBuilt, c.Status().Kind)
}
