package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/jvis/internal/events"
	"github.com/michaelbrown/jvis/internal/sandbox"
	"github.com/michaelbrown/jvis/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/jvis/internal/session"
	"github.com/michaelbrown/jvis/internal/storage"
	"github.com/michaelbrown/jvis/internal/storage/sqlite"
	"github.com/michaelbrown/jvis/internal/workspace"
)

const sumProgram = `public class SumDemo {
    static int add(int a, int b) {
        return a + b;
    }

    public static void main(String[] args) {
        int x = 10;
        int y = 20;
        int sum = add(x, y);
        System.out.println("Sum = " + sum);
    }
}
`

// collectors hands out one Collector per session.
type collectors struct {
	mu sync.Mutex
	m  map[string]*events.Collector
}

func (c *collectors) Sink(sessionID string) events.Sink {
	return c.get(sessionID)
}

func (c *collectors) get(sessionID string) *events.Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]*events.Collector)
	}
	col, ok := c.m[sessionID]
	if !ok {
		col = &events.Collector{}
		c.m[sessionID] = col
	}
	return col
}

func newDockerCoordinator(t *testing.T, engine *sandboxtest.Engine, timeout time.Duration, opts ...Option) (*Coordinator, *collectors) {
	t.Helper()
	policy := sandbox.DefaultPolicy()
	policy.Timeout = timeout
	prov, err := sandbox.NewProvisioner(engine, policy, zaptest.NewLogger(t))
	require.NoError(t, err)

	sinks := &collectors{}
	opts = append([]Option{WithWorkDir(t.TempDir())}, opts...)
	return New(prov, sinks, zaptest.NewLogger(t), opts...), sinks
}

func countType(evs []events.Event, typ string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRelativeWorkDirMountsAbsolutePath(t *testing.T) {
	t.Chdir(t.TempDir())
	engine := &sandboxtest.Engine{}
	c, _ := newDockerCoordinator(t, engine, time.Second, WithWorkDir("work"))

	_, err := c.ExecuteSingle(context.Background(), "public class Main {}", "s1")
	require.NoError(t, err)

	binds := engine.Host().Binds
	require.Len(t, binds, 1)
	src, _, _ := strings.Cut(binds[0], ":")
	assert.True(t, filepath.IsAbs(src), src)
	assert.Contains(t, engine.Staged(), "Main.java")
}

func TestExecuteSingleSumProgram(t *testing.T) {
	engine := &sandboxtest.Engine{
		Stdout: `{"type":"frame","line":7,"locals":{"x":10}}` + "\n" +
			`{"type":"frame","line":9,"locals":{"x":10,"y":20,"sum":30}}` + "\n" +
			`{"type":"stdout","output":"Sum = 30\n"}` + "\n",
	}
	c, sinks := newDockerCoordinator(t, engine, 5*time.Second)

	res, err := c.ExecuteSingle(context.Background(), sumProgram, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.True(t, strings.HasPrefix(res.ExecutionID, "run_"))

	evs := sinks.get("s1").Events()
	assert.Equal(t, []string{"execution_start", "frame", "frame", "stdout", "execution_complete"}, sinks.get("s1").Types())
	assert.Equal(t, res.ExecutionID, evs[0].ExecutionID)
	assert.Equal(t, res.ExecutionID, evs[len(evs)-1].ExecutionID)
	assert.Contains(t, evs[3].Output, "Sum = 30")
	assert.Zero(t, countType(evs, events.TypeError))

	assert.Equal(t, map[string]string{"SumDemo.java": sumProgram}, engine.Staged())
	assert.Equal(t, []string{"/sandbox/SumDemo.java"}, []string(engine.Config().Cmd))
	assert.Equal(t, "jvis-"+res.ExecutionID, engine.Name())
}

func TestExecuteSingleDefaultClassName(t *testing.T) {
	engine := &sandboxtest.Engine{}
	c, _ := newDockerCoordinator(t, engine, time.Second)

	_, err := c.ExecuteSingle(context.Background(), "class Hidden {}", "s1")
	require.NoError(t, err)
	assert.Contains(t, engine.Staged(), "UserCode.java")
}

func TestExecuteSingleTimeout(t *testing.T) {
	engine := &sandboxtest.Engine{
		Stdout: `{"type":"frame","line":3}` + "\n",
		Flood:  true,
	}
	c, sinks := newDockerCoordinator(t, engine, 150*time.Millisecond)

	res, err := c.ExecuteSingle(context.Background(), "public class Loop { public static void main(String[] a) { while (true) {} } }", "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrTimeout)
	assert.Equal(t, "timed_out", res.Status)
	assert.NotEmpty(t, res.ExecutionID)

	evs := sinks.get("s1").Events()
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, events.TypeExecutionStart, evs[0].Type)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeError, last.Type)
	assert.Contains(t, last.Message, "timed out")
	assert.Equal(t, err.Error(), last.Message)
	assert.Equal(t, res.ExecutionID, last.ExecutionID)
	assert.Equal(t, 1, countType(evs, events.TypeError))
	assert.Zero(t, countType(evs, events.TypeExecutionComplete))

	kills, removes := engine.Counts()
	assert.Equal(t, 1, kills)
	assert.Equal(t, 1, removes)
}

func TestExecuteProject(t *testing.T) {
	engine := &sandboxtest.Engine{Stdout: `{"type":"stdout","output":"hi"}` + "\n"}
	c, sinks := newDockerCoordinator(t, engine, time.Second)

	tree := []workspace.Node{
		{Name: "src", Kind: workspace.KindFolder, Children: []workspace.Node{
			{Name: "Main.java", Kind: workspace.KindFile, Content: "public class Main {}"},
			{Name: "util", Kind: workspace.KindFolder, Children: []workspace.Node{
				{Name: "Helper.java", Kind: workspace.KindFile, Content: "class Helper {}"},
			}},
		}},
		{Name: "README.md", Kind: workspace.KindFile, Content: "# demo"},
	}

	res, err := c.ExecuteProject(context.Background(), tree, "src/Main.java", "p1")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)

	assert.Equal(t, map[string]string{
		"src/Main.java":        "public class Main {}",
		"src/util/Helper.java": "class Helper {}",
		"README.md":            "# demo",
	}, engine.Staged())
	assert.Equal(t, []string{"/sandbox/src/Main.java"}, []string(engine.Config().Cmd))
	assert.Equal(t, []string{"execution_start", "stdout", "execution_complete"}, sinks.get("p1").Types())
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	file := workspace.Node{Name: "Main.java", Kind: workspace.KindFile, Content: "x"}
	tests := []struct {
		name string
		run  func(c *Coordinator) error
	}{
		{"empty source", func(c *Coordinator) error {
			_, err := c.ExecuteSingle(context.Background(), "  \n", "s1")
			return err
		}},
		{"missing session", func(c *Coordinator) error {
			_, err := c.ExecuteSingle(context.Background(), sumProgram, "")
			return err
		}},
		{"empty tree", func(c *Coordinator) error {
			_, err := c.ExecuteProject(context.Background(), nil, "Main.java", "s1")
			return err
		}},
		{"entry not in tree", func(c *Coordinator) error {
			_, err := c.ExecuteProject(context.Background(), []workspace.Node{file}, "Other.java", "s1")
			return err
		}},
		{"entry escapes", func(c *Coordinator) error {
			_, err := c.ExecuteProject(context.Background(), []workspace.Node{file}, "../Main.java", "s1")
			return err
		}},
		{"unsafe name", func(c *Coordinator) error {
			bad := []workspace.Node{file, {Name: "..", Kind: workspace.KindFolder}}
			_, err := c.ExecuteProject(context.Background(), bad, "Main.java", "s1")
			return err
		}},
		{"unknown mode", func(c *Coordinator) error {
			_, err := c.Execute(context.Background(), Job{Mode: "batch", Source: "x"}, events.Discard)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &sandboxtest.Engine{}
			c, sinks := newDockerCoordinator(t, engine, time.Second)

			err := tt.run(c)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, sinks.get("s1").Events())
			assert.Zero(t, engine.Creates())
		})
	}
}

func TestExecuteProvisionFailure(t *testing.T) {
	engine := &sandboxtest.Engine{CreateErr: errors.New("image not available")}
	c, sinks := newDockerCoordinator(t, engine, time.Second)

	res, err := c.ExecuteSingle(context.Background(), sumProgram, "s1")
	require.Error(t, err)
	assert.Equal(t, "errored", res.Status)
	assert.Equal(t, "creating container: image not available", err.Error())

	evs := sinks.get("s1").Events()
	assert.Equal(t, []string{"execution_start", "error"}, sinks.get("s1").Types())
	assert.Equal(t, err.Error(), evs[1].Message)
}

func TestExecuteStagingFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	engine := &sandboxtest.Engine{}
	c, sinks := newDockerCoordinator(t, engine, time.Second, WithWorkDir(blocker))

	_, err := c.ExecuteSingle(context.Background(), sumProgram, "s1")
	require.Error(t, err)
	assert.Equal(t, []string{"execution_start", "error"}, sinks.get("s1").Types())
	assert.Zero(t, engine.Creates())
}

func TestExecuteJournalsRuns(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, _ := newDockerCoordinator(t, &sandboxtest.Engine{}, time.Second, WithJournal(store))
	res, err := c.ExecuteSingle(context.Background(), sumProgram, "s1")
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, run.Status)
	assert.Equal(t, "s1", run.SessionID)
	assert.Equal(t, ModeSingle, run.Mode)
	assert.Equal(t, "SumDemo.java", run.Entry)
	assert.NotNil(t, run.FinishedAt)

	c, _ = newDockerCoordinator(t, &sandboxtest.Engine{Hang: true}, 100*time.Millisecond, WithJournal(store))
	res, execErr := c.ExecuteSingle(context.Background(), sumProgram, "s1")
	require.Error(t, execErr)

	run, err = store.GetRun(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTimedOut, run.Status)
	assert.Equal(t, execErr.Error(), run.Message)
}

// echoProvisioner publishes the staged entry file back as stdout.
type echoProvisioner struct{}

func (echoProvisioner) Run(_ context.Context, spec sandbox.Spec, sink events.Sink) (sandbox.Outcome, error) {
	defer os.RemoveAll(spec.Workspace)
	data, err := os.ReadFile(filepath.Join(spec.Workspace, spec.Entry))
	if err != nil {
		return sandbox.Outcome{Status: sandbox.StatusErrored}, err
	}
	for i := 0; i < 5; i++ {
		raw := fmt.Sprintf(`{"type":"stdout","output":%q}`, strings.TrimSpace(string(data)))
		ev, err := events.FromRecord([]byte(raw))
		if err != nil {
			return sandbox.Outcome{Status: sandbox.StatusErrored}, err
		}
		sink.Publish(ev)
		time.Sleep(time.Millisecond)
	}
	return sandbox.Outcome{RunID: spec.RunID, Status: sandbox.StatusCompleted}, nil
}

type recordingChannel struct {
	mu  sync.Mutex
	got []events.Event
}

func (c *recordingChannel) Send(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry := session.NewRegistry(logger, nil)
	c := New(echoProvisioner{}, registry, logger, WithWorkDir(t.TempDir()))

	sessions := []string{"alice", "bob", "carol"}
	channels := make(map[string]*recordingChannel)
	for _, id := range sessions {
		ch := &recordingChannel{}
		channels[id] = ch
		registry.Register(id, ch)
	}

	var wg sync.WaitGroup
	for _, id := range sessions {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				source := fmt.Sprintf("// owner %s\npublic class Main {}", id)
				_, err := c.ExecuteSingle(context.Background(), source, id)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range sessions {
		got := channels[id].got
		assert.Equal(t, 3, countType(got, events.TypeExecutionStart), id)
		assert.Equal(t, 3, countType(got, events.TypeExecutionComplete), id)
		for _, ev := range got {
			if ev.Type == events.TypeStdout {
				assert.Contains(t, ev.Output, "owner "+id)
			}
		}

		// Every run's events sit between its own start and complete.
		open := map[string]bool{}
		for _, ev := range got {
			switch ev.Type {
			case events.TypeExecutionStart:
				open[ev.ExecutionID] = true
			case events.TypeExecutionComplete:
				assert.True(t, open[ev.ExecutionID], "complete without start")
				delete(open, ev.ExecutionID)
			}
		}
		assert.Empty(t, open)
	}
}
