package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/michaelbrown/jvis/internal/events"
	"github.com/michaelbrown/jvis/internal/framing"
)

// Teardown and exit waits run on their own contexts so they still happen
// after the caller's context is gone.
const (
	cleanupTimeout = 10 * time.Second
	exitWait       = 5 * time.Second
)

// Provisioner runs workspaces in Docker containers.
type Provisioner struct {
	engine Engine
	policy Policy
	logger *zap.Logger
}

// NewProvisioner creates a Provisioner. The policy must be valid.
func NewProvisioner(engine Engine, policy Policy, logger *zap.Logger) (*Provisioner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Provisioner{engine: engine, policy: policy, logger: logger}, nil
}

// Policy returns the limits applied to every run.
func (p *Provisioner) Policy() Policy {
	return p.policy
}

// run states; the first transition out of stateRunning decides the outcome.
const (
	stateRunning int32 = iota
	stateStreamEnded
	stateTimedOut
	stateCancelled
)

type run struct {
	p    *Provisioner
	spec Spec
	log  *zap.Logger

	state       atomic.Int32
	containerID string
	hijack      *types.HijackedResponse
	timer       *time.Timer

	// pubMu orders publishing against abort so nothing is published once
	// the run has timed out or been cancelled.
	pubMu   sync.Mutex
	records int
	once    sync.Once
}

// Run executes spec and publishes every record the engine writes to sink
// until the stream ends or the budget runs out. The container and the
// workspace are removed before Run returns, whatever the result.
//
// Run does not publish lifecycle events; a non-nil error carries the message
// the caller should report.
func (p *Provisioner) Run(ctx context.Context, spec Spec, sink events.Sink) (Outcome, error) {
	r := &run{
		p:    p,
		spec: spec,
		log:  p.logger.With(zap.String("run_id", spec.RunID)),
	}
	defer r.cleanup()

	start := time.Now()
	out := Outcome{RunID: spec.RunID, Status: StatusErrored, ExitCode: -1}

	if err := r.checkWorkspace(); err != nil {
		return out, err
	}
	if err := r.create(ctx); err != nil {
		return out, err
	}

	hijack, err := p.engine.ContainerAttach(ctx, r.containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return out, fmt.Errorf("attaching to container: %w", err)
	}
	r.hijack = &hijack

	if err := p.engine.ContainerStart(ctx, r.containerID, container.StartOptions{}); err != nil {
		return out, fmt.Errorf("starting container: %w", err)
	}
	r.log.Debug("container started", zap.String("container_id", r.containerID))

	r.timer = time.AfterFunc(p.policy.Timeout, func() { r.abort(stateTimedOut) })
	stopWatch := context.AfterFunc(ctx, func() { r.abort(stateCancelled) })
	defer stopWatch()

	demux := framing.NewDemuxer()
	w := framing.NewWriter(demux, func(rec framing.Record) {
		r.pubMu.Lock()
		defer r.pubMu.Unlock()
		switch r.state.Load() {
		case stateRunning, stateStreamEnded:
			r.records++
			sink.Publish(rec)
		}
	})

	_, copyErr := stdcopy.StdCopy(w, w, hijack.Reader)
	streamEnded := r.state.CompareAndSwap(stateRunning, stateStreamEnded)
	if streamEnded {
		r.timer.Stop()
		w.Close()
	}

	out.Duration = time.Since(start)
	out.Records = r.records
	out.Dropped = demux.Dropped()

	switch r.state.Load() {
	case stateTimedOut:
		out.Status = StatusTimedOut
		r.log.Info("run timed out", zap.Duration("limit", p.policy.Timeout))
		return out, fmt.Errorf("%w (%s limit)", ErrTimeout, p.policy.Timeout)
	case stateCancelled:
		r.log.Info("run cancelled", zap.Error(ctx.Err()))
		return out, ErrCancelled
	}

	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return out, fmt.Errorf("reading container output: %w", copyErr)
	}

	out.ExitCode = r.waitExit()
	out.Status = StatusCompleted
	out.Duration = time.Since(start)
	r.log.Info("run completed",
		zap.Int("exit_code", out.ExitCode),
		zap.Int("records", out.Records),
		zap.Int("dropped", out.Dropped),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

func (r *run) checkWorkspace() error {
	entry := filepath.Join(r.spec.Workspace, filepath.FromSlash(r.spec.Entry))
	info, err := os.Stat(entry)
	if err != nil {
		return fmt.Errorf("entry unit %q: %w", r.spec.Entry, err)
	}
	if info.IsDir() {
		return fmt.Errorf("entry unit %q is a directory", r.spec.Entry)
	}
	return nil
}

func (r *run) create(ctx context.Context) error {
	p := r.p
	name := "jvis-" + r.spec.RunID
	cfg := p.policy.containerConfig(r.spec.RunID, r.spec.Entry)
	host := p.policy.hostConfig(r.spec.Workspace)

	resp, err := p.engine.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil && errdefs.IsNotFound(err) && p.policy.PullMissing {
		if pullErr := r.pull(ctx); pullErr != nil {
			return fmt.Errorf("pulling image %s: %w", p.policy.Image, pullErr)
		}
		resp, err = p.engine.ContainerCreate(ctx, cfg, host, nil, nil, name)
	}
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	r.containerID = resp.ID
	for _, w := range resp.Warnings {
		r.log.Warn("container create warning", zap.String("warning", w))
	}
	return nil
}

func (r *run) pull(ctx context.Context) error {
	r.log.Info("pulling engine image", zap.String("image", r.p.policy.Image))
	rc, err := r.p.engine.ImagePull(ctx, r.p.policy.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// abort force-stops the container if the run is still streaming. Closing the
// attach stream unblocks the reader in Run; anything it was about to emit is
// ignored because the state has already moved on.
func (r *run) abort(to int32) {
	r.pubMu.Lock()
	swapped := r.state.CompareAndSwap(stateRunning, to)
	r.pubMu.Unlock()
	if !swapped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.p.engine.ContainerKill(ctx, r.containerID, "KILL"); err != nil {
		r.log.Warn("failed to kill container", zap.String("container_id", r.containerID), zap.Error(err))
	}
	r.hijack.Close()
}

func (r *run) waitExit() int {
	ctx, cancel := context.WithTimeout(context.Background(), exitWait)
	defer cancel()

	statusCh, errCh := r.p.engine.ContainerWait(ctx, r.containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			r.log.Warn("container wait reported error", zap.String("error", status.Error.Message))
		}
		return int(status.StatusCode)
	case err := <-errCh:
		r.log.Warn("waiting for container exit", zap.Error(err))
	case <-ctx.Done():
		r.log.Warn("container did not exit after stream end")
	}
	return -1
}

// cleanup releases everything the run allocated. It is safe to call more
// than once and never fails; errors are logged.
func (r *run) cleanup() {
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		if r.hijack != nil {
			r.hijack.Close()
		}
		if r.containerID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			err := r.p.engine.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
			cancel()
			if err != nil && !errdefs.IsNotFound(err) {
				r.log.Warn("failed to remove container", zap.String("container_id", r.containerID), zap.Error(err))
			}
		}
		if r.spec.Workspace != "" {
			if err := os.RemoveAll(r.spec.Workspace); err != nil {
				r.log.Warn("failed to remove workspace", zap.String("path", r.spec.Workspace), zap.Error(err))
			}
		}
	})
}
