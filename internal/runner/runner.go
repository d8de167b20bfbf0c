// Package runner turns execution requests into sandbox runs and reports
// their progress as events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/jvis/internal/events"
	"github.com/michaelbrown/jvis/internal/observability"
	"github.com/michaelbrown/jvis/internal/sandbox"
	"github.com/michaelbrown/jvis/internal/storage"
	"github.com/michaelbrown/jvis/internal/workspace"
)

// Run modes.
const (
	ModeSingle  = "single"
	ModeProject = "project"
)

// ErrInvalidRequest marks requests rejected before anything ran.
var ErrInvalidRequest = errors.New("invalid request")

// Provisioner runs a staged workspace in a sandbox.
type Provisioner interface {
	Run(ctx context.Context, spec sandbox.Spec, sink events.Sink) (sandbox.Outcome, error)
}

// Deliverer hands out a sink for a session's live channel.
type Deliverer interface {
	Sink(sessionID string) events.Sink
}

// Journal records run lifecycles for operators.
type Journal interface {
	CreateRun(ctx context.Context, r *storage.Run) error
	FinishRun(ctx context.Context, id string, status storage.RunStatus, message string) error
}

// Job is one execution request.
type Job struct {
	Mode      string
	SessionID string

	// Source is the program text in single mode.
	Source string

	// Tree and Entry describe the project in project mode.
	Tree  []workspace.Node
	Entry string
}

// Result is returned to the caller that triggered a run. It does not imply
// the run's events have all reached the client.
type Result struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

// Coordinator stages input, runs it and brackets the run's events with
// execution_start and exactly one of execution_complete or error.
type Coordinator struct {
	prov     Provisioner
	sessions Deliverer
	logger   *zap.Logger

	journal Journal
	metrics *observability.Metrics
	workDir string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records every run in j.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithMetrics reports run counts and durations to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithWorkDir stages workspaces under dir instead of the system temp dir.
func WithWorkDir(dir string) Option {
	return func(c *Coordinator) { c.workDir = dir }
}

// New creates a Coordinator.
func New(prov Provisioner, sessions Deliverer, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{prov: prov, sessions: sessions, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteSingle runs one source file. The entry class is the first public
// class declared in source.
func (c *Coordinator) ExecuteSingle(ctx context.Context, source, sessionID string) (Result, error) {
	if sessionID == "" {
		return Result{}, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	return c.Execute(ctx, Job{Mode: ModeSingle, Source: source, SessionID: sessionID}, c.sessions.Sink(sessionID))
}

// ExecuteProject runs a project tree starting at entryPath.
func (c *Coordinator) ExecuteProject(ctx context.Context, tree []workspace.Node, entryPath, sessionID string) (Result, error) {
	if sessionID == "" {
		return Result{}, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	job := Job{Mode: ModeProject, Tree: tree, Entry: entryPath, SessionID: sessionID}
	return c.Execute(ctx, job, c.sessions.Sink(sessionID))
}

// Execute runs job and publishes its events to sink. A returned error other
// than ErrInvalidRequest carries the same message as the error event.
func (c *Coordinator) Execute(ctx context.Context, job Job, sink events.Sink) (Result, error) {
	entry, err := c.validate(&job)
	if err != nil {
		return Result{}, err
	}

	runID := newRunID()
	res := Result{ExecutionID: runID, Status: string(sandbox.StatusRunning)}
	log := c.logger.With(
		zap.String("run_id", runID),
		zap.String("session_id", job.SessionID),
		zap.String("mode", job.Mode),
	)
	start := time.Now()

	c.recordStart(ctx, log, runID, job, entry)
	c.metrics.RunStarted(ctx, job.Mode)
	sink.Publish(events.ExecutionStart(runID))

	status, err := c.run(ctx, runID, job, entry, sink)
	res.Status = string(status)

	message := ""
	if err != nil {
		message = err.Error()
		sink.Publish(events.RunError(runID, message))
		log.Info("run failed", zap.String("status", res.Status), zap.Error(err))
	} else {
		sink.Publish(events.ExecutionComplete(runID))
	}

	c.recordFinish(log, runID, status, message)
	c.metrics.RunFinished(ctx, job.Mode, res.Status, time.Since(start))
	return res, err
}

func (c *Coordinator) validate(job *Job) (string, error) {
	switch job.Mode {
	case ModeSingle:
		if strings.TrimSpace(job.Source) == "" {
			return "", fmt.Errorf("%w: source is empty", ErrInvalidRequest)
		}
		return ClassName(job.Source) + ".java", nil
	case ModeProject:
		if len(job.Tree) == 0 {
			return "", fmt.Errorf("%w: project tree is empty", ErrInvalidRequest)
		}
		entry, err := workspace.CleanEntry(job.Entry)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if err := workspace.Validate(job.Tree); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if !workspace.Contains(job.Tree, entry) {
			return "", fmt.Errorf("%w: entry unit %q is not a file in the project", ErrInvalidRequest, entry)
		}
		return entry, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, job.Mode)
	}
}

func (c *Coordinator) run(ctx context.Context, runID string, job Job, entry string, sink events.Sink) (sandbox.Status, error) {
	ws, err := c.stage(runID, job, entry)
	if err != nil {
		return sandbox.StatusErrored, err
	}

	out, err := c.prov.Run(ctx, sandbox.Spec{RunID: runID, Workspace: ws.Dir, Entry: ws.Entry}, sink)
	if err != nil {
		if out.Status == sandbox.StatusTimedOut || errors.Is(err, sandbox.ErrTimeout) {
			return sandbox.StatusTimedOut, err
		}
		return sandbox.StatusErrored, err
	}
	return sandbox.StatusCompleted, nil
}

func (c *Coordinator) stage(runID string, job Job, entry string) (*workspace.Workspace, error) {
	if job.Mode == ModeSingle {
		return workspace.StageSource(c.workDir, runID, strings.TrimSuffix(entry, ".java"), job.Source)
	}
	return workspace.StageTree(c.workDir, runID, job.Tree, entry)
}

func (c *Coordinator) recordStart(ctx context.Context, log *zap.Logger, runID string, job Job, entry string) {
	if c.journal == nil {
		return
	}
	r := &storage.Run{
		ID:        runID,
		SessionID: job.SessionID,
		Mode:      job.Mode,
		Entry:     entry,
		Status:    storage.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := c.journal.CreateRun(ctx, r); err != nil {
		log.Warn("failed to journal run start", zap.Error(err))
	}
}

func (c *Coordinator) recordFinish(log *zap.Logger, runID string, status sandbox.Status, message string) {
	if c.journal == nil {
		return
	}
	// The request context may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.FinishRun(ctx, runID, storage.RunStatus(status), message); err != nil {
		log.Warn("failed to journal run finish", zap.Error(err))
	}
}
