// Package docker wraps the Docker Engine API client. All SDK calls are
// isolated here so the rest of the codebase talks to the Runtime interface
// and tests can swap in a fake daemon.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/prezel/prezel/pkg/log"
)

// managedPrefix marks every image and container owned by the platform.
// Anything on the daemon without this prefix is never touched.
const managedPrefix = "prezel-"

// NetworkName is the bridge network all app and db containers join.
const NetworkName = "prezel"

// ImageName is the name of a managed image, derived from a deployment id.
type ImageName string

// ImageFromDeployment returns the image name owned by a deployment.
func ImageFromDeployment(deploymentID string) ImageName {
	return ImageName(managedPrefix + deploymentID)
}

// DeploymentID recovers the owning deployment id, if this is a managed image.
func (n ImageName) DeploymentID() (string, bool) {
	return strings.CutPrefix(string(n), managedPrefix)
}

func (n ImageName) String() string { return string(n) }

// NewContainerName generates a unique managed container name.
func NewContainerName() string {
	return managedPrefix + gonanoid.MustGenerate("0123456789abcdefghijklmnopqrstuvwxyz", 21)
}

// Mount is a host path bind-mounted into a container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// CreateOptions describes a container to create on the managed network.
type CreateOptions struct {
	Image ImageName
	Env   []string
	// Command overrides the image entrypoint command when non-nil.
	Command []string
	Mounts  []Mount
}

// ManagedContainer is one daemon container owned by the platform.
type ManagedContainer struct {
	ID    string
	Name  string
	Image ImageName
}

// LogLine is one line of build or execution output.
type LogLine struct {
	Time    int64  `json:"time"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// LogSink receives streamed log lines.
type LogSink func(line LogLine)

// Runtime is the container engine surface the deployment system needs.
type Runtime interface {
	EnsureNetwork(ctx context.Context) error
	ImageExists(ctx context.Context, name ImageName) (bool, error)
	BuildImage(ctx context.Context, name ImageName, opts BuildOptions, sink LogSink) error
	PullImage(ctx context.Context, ref string) error
	ListManagedImages(ctx context.Context) ([]ImageName, error)
	RemoveImage(ctx context.Context, name ImageName) error

	CreateContainer(ctx context.Context, name string, opts CreateOptions) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ListManagedContainers(ctx context.Context) ([]ManagedContainer, error)
	ContainerIPv4(ctx context.Context, id string) (string, error)
	ExecutionLogs(ctx context.Context, id string) ([]LogLine, error)
}

// Client implements Runtime against a local Docker daemon.
type Client struct {
	sdk *client.Client
}

var _ Runtime = (*Client)(nil)

// NewClient connects to the daemon and pings it to fail fast when the
// socket is unreachable.
func NewClient(ctx context.Context) (*Client, error) {
	sdk, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := sdk.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	logger := log.WithComponent("docker")
	logger.Debug().Str("host", sdk.DaemonHost()).Msg("docker client connected")
	return &Client{sdk: sdk}, nil
}

// Close releases the underlying SDK connection.
func (c *Client) Close() error {
	return c.sdk.Close()
}

// EnsureNetwork creates the managed bridge network if it does not exist yet.
func (c *Client) EnsureNetwork(ctx context.Context) error {
	networks, err := c.sdk.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", NetworkName)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == NetworkName {
			return nil
		}
	}
	_, err = c.sdk.NetworkCreate(ctx, NetworkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", NetworkName, err)
	}
	logger := log.WithComponent("docker")
	logger.Info().Str("network", NetworkName).Msg("created bridge network")
	return nil
}

// ImageExists reports whether the named image is present on the daemon.
func (c *Client) ImageExists(ctx context.Context, name ImageName) (bool, error) {
	_, err := c.sdk.ImageInspect(ctx, name.String())
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect image %s: %w", name, err)
	}
	return true, nil
}

// PullImage pulls an image reference, blocking until the pull finishes.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	reader, err := c.sdk.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// the pull is only complete once the progress stream is drained
	if err := drainPullStream(reader); err != nil {
		return fmt.Errorf("pull of %s failed: %w", ref, err)
	}
	return nil
}

// ListManagedImages returns the platform-owned images on the daemon.
func (c *Client) ListManagedImages(ctx context.Context) ([]ImageName, error) {
	images, err := c.sdk.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	var managed []ImageName
	for _, img := range images {
		for _, tag := range img.RepoTags {
			name := ImageName(strings.TrimSuffix(tag, ":latest"))
			if _, ok := name.DeploymentID(); ok {
				managed = append(managed, name)
			}
		}
	}
	return managed, nil
}

// RemoveImage force-removes a managed image.
func (c *Client) RemoveImage(ctx context.Context, name ImageName) error {
	_, err := c.sdk.ImageRemove(ctx, name.String(), image.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", name, err)
	}
	return nil
}

// CreateContainer creates a container attached to the managed network.
// Nothing is published to the host: the proxy reaches containers by their
// bridge network address.
func (c *Client) CreateContainer(ctx context.Context, name string, opts CreateOptions) (string, error) {
	cfg := &container.Config{
		Image: opts.Image.String(),
		Env:   opts.Env,
	}
	if opts.Command != nil {
		cfg.Cmd = opts.Command
	}
	hostCfg := &container.HostConfig{}
	for _, m := range opts.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			NetworkName: {},
		},
	}
	resp, err := c.sdk.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.sdk.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// StopContainer stops a container with the default grace period.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	if err := c.sdk.ContainerStop(ctx, id, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.sdk.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// ListManagedContainers returns all platform-owned containers, running or not.
func (c *Client) ListManagedContainers(ctx context.Context) ([]ManagedContainer, error) {
	containers, err := c.sdk.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", managedPrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var managed []ManagedContainer
	for _, ctr := range containers {
		if len(ctr.Names) == 0 {
			continue
		}
		name := strings.TrimPrefix(ctr.Names[0], "/")
		if !strings.HasPrefix(name, managedPrefix) {
			continue
		}
		managed = append(managed, ManagedContainer{
			ID:    ctr.ID,
			Name:  name,
			Image: ImageName(ctr.Image),
		})
	}
	return managed, nil
}

// ContainerIPv4 returns the container address on the managed network.
func (c *Client) ContainerIPv4(ctx context.Context, id string) (string, error) {
	info, err := c.sdk.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", id)
	}
	endpoint, ok := info.NetworkSettings.Networks[NetworkName]
	if !ok || endpoint.IPAddress == "" {
		return "", fmt.Errorf("container %s is not attached to %s", id, NetworkName)
	}
	return endpoint.IPAddress, nil
}

// ExecutionLogs reads the stdout and stderr of a container, demultiplexing
// the engine framing into per-line entries.
func (c *Client) ExecutionLogs(ctx context.Context, id string) ([]LogLine, error) {
	reader, err := c.sdk.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", id, err)
	}
	defer reader.Close()

	var stdout, stderr lineBuffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, fmt.Errorf("failed to demux logs of %s: %w", id, err)
	}
	lines := make([]LogLine, 0, len(stdout.lines)+len(stderr.lines))
	for _, l := range stdout.lines {
		lines = append(lines, LogLine{Time: nowMillis(), Content: l})
	}
	for _, l := range stderr.lines {
		lines = append(lines, LogLine{Time: nowMillis(), Content: l, IsError: true})
	}
	return lines, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// lineBuffer accumulates a write stream and splits it into trimmed lines.
type lineBuffer struct {
	buf   []byte
	lines []string
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	for {
		idx := strings.IndexByte(string(b.buf), '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(b.buf[:idx]), "\r")
		b.buf = b.buf[idx+1:]
		if line != "" {
			b.lines = append(b.lines, line)
		}
	}
	return len(p), nil
}
