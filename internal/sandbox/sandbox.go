// Package sandbox runs one staged workspace inside a throwaway container and
// streams the engine's records back as events.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Engine is the part of the Docker API a Provisioner uses.
// *client.Client satisfies it.
type Engine interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

var _ Engine = (*client.Client)(nil)

// NewEngine connects to the Docker daemon configured by the environment
// (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func NewEngine() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Status is the terminal state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
)

var (
	// ErrTimeout is wrapped by the error returned when the wall-clock budget ran out.
	// Its text is shown to users as is.
	ErrTimeout = errors.New("Execution timed out") //nolint:staticcheck // user-facing message

	// ErrCancelled is returned when the caller's context ended the run.
	ErrCancelled = errors.New("execution cancelled")
)

// Spec names what to run.
type Spec struct {
	RunID     string
	Workspace string // host directory, removed when the run ends
	Entry     string // path of the entry unit relative to Workspace
}

// Outcome describes how a run ended.
type Outcome struct {
	RunID    string
	Status   Status
	ExitCode int
	Duration time.Duration
	Records  int
	Dropped  int
}
