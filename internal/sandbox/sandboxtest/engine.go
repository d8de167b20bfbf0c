// Package sandboxtest provides an in-memory Docker engine for tests.
package sandboxtest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Tick is the record a flooding engine repeats.
const Tick = `{"type":"stdout","output":"tick"}` + "\n"

// Engine plays a container whose attach stream is a net.Pipe. After start it
// writes Stdout and Stderr docker-multiplexed, then closes the stream unless
// Hang or Flood is set.
type Engine struct {
	Stdout string
	Stderr string
	Hang   bool // keep the stream open after writing output
	Flood  bool // keep writing Tick until the stream is closed

	CreateErr error
	AttachErr error
	StartErr  error
	RemoveErr error
	Missing   bool // first create reports a missing image
	ExitCode  int64

	mu         sync.Mutex
	config     *container.Config
	host       *container.HostConfig
	name       string
	staged     map[string]string
	server     net.Conn
	creates    int
	pulls      int
	kills      int
	removes    int
	writerDone chan struct{}
}

func (e *Engine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.creates++
	if e.Missing && e.creates == 1 {
		return container.CreateResponse{}, errdefs.NotFound(errors.New("no such image"))
	}
	if e.CreateErr != nil {
		return container.CreateResponse{}, e.CreateErr
	}
	e.config, e.host, e.name = cfg, host, name
	e.staged = snapshot(host)
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (e *Engine) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	if e.AttachErr != nil {
		return types.HijackedResponse{}, e.AttachErr
	}
	client, server := net.Pipe()
	e.mu.Lock()
	e.server = server
	e.mu.Unlock()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (e *Engine) ContainerStart(context.Context, string, container.StartOptions) error {
	if e.StartErr != nil {
		return e.StartErr
	}
	e.mu.Lock()
	server := e.server
	e.writerDone = make(chan struct{})
	done := e.writerDone
	e.mu.Unlock()

	go func() {
		defer close(done)
		out := stdcopy.NewStdWriter(server, stdcopy.Stdout)
		errw := stdcopy.NewStdWriter(server, stdcopy.Stderr)
		if e.Stdout != "" {
			if _, err := io.WriteString(out, e.Stdout); err != nil {
				return
			}
		}
		if e.Stderr != "" {
			if _, err := io.WriteString(errw, e.Stderr); err != nil {
				return
			}
		}
		for e.Flood {
			if _, err := io.WriteString(out, Tick); err != nil {
				return
			}
		}
		if !e.Hang {
			server.Close()
		}
	}()
	return nil
}

func (e *Engine) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: e.ExitCode}
	return statusCh, make(chan error)
}

func (e *Engine) ContainerKill(context.Context, string, string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kills++
	if e.server != nil {
		e.server.Close()
	}
	return nil
}

func (e *Engine) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removes++
	return e.RemoveErr
}

func (e *Engine) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulls++
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

// Config returns the container config of the last successful create.
func (e *Engine) Config() *container.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Host returns the host config of the last successful create.
func (e *Engine) Host() *container.HostConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.host
}

// Name returns the container name of the last successful create.
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Staged returns the files found in the bind-mounted workspace at create
// time, keyed by slash-separated relative path.
func (e *Engine) Staged() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.staged
}

// Counts returns how many kills and removes the engine has seen.
func (e *Engine) Counts() (kills, removes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kills, e.removes
}

// Creates returns the number of create calls, successful or not.
func (e *Engine) Creates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creates
}

// Pulls returns the number of image pulls.
func (e *Engine) Pulls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pulls
}

// WriterDone is closed once the output goroutine of the last start returns.
func (e *Engine) WriterDone() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writerDone
}

func snapshot(host *container.HostConfig) map[string]string {
	if host == nil || len(host.Binds) == 0 {
		return nil
	}
	src, _, _ := strings.Cut(host.Binds[0], ":")
	files := make(map[string]string)
	_ = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return files
}
