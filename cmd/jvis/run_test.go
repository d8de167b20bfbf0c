package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/jvis/internal/config"
	"github.com/michaelbrown/jvis/internal/runner"
	"github.com/michaelbrown/jvis/internal/sandbox"
	"github.com/michaelbrown/jvis/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/jvis/internal/server"
	"github.com/michaelbrown/jvis/internal/session"
	"github.com/michaelbrown/jvis/internal/workspace"
)

func startServer(t *testing.T, engine *sandboxtest.Engine) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	prov, err := sandbox.NewProvisioner(engine, sandbox.DefaultPolicy(), logger)
	require.NoError(t, err)

	cfg := &config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"*"}, MaxBodyBytes: 1 << 20}}
	registry := session.NewRegistry(logger, nil)
	coord := runner.New(prov, registry, logger, runner.WithWorkDir(t.TempDir()))
	srv := server.New(cfg, coord, registry, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestRunClientPrintsOutput(t *testing.T) {
	ts := startServer(t, &sandboxtest.Engine{
		Stdout: `{"type":"frame","line":3}` + "\n" +
			`{"type":"stdout","output":"Sum = 30\n"}` + "\n",
	})

	var out, errOut bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runClient(ctx, clientOptions{
		Server:    ts.URL,
		SessionID: "cli-1",
		Source:    "public class Main { public static void main(String[] a) {} }",
	}, &out, &errOut)
	require.NoError(t, err)

	assert.Equal(t, "Sum = 30\n", out.String())
	assert.Contains(t, errOut.String(), "started")
	assert.Contains(t, errOut.String(), "completed")
	assert.NotContains(t, errOut.String(), `"type":"frame"`)
}

func TestRunClientShowsFrames(t *testing.T) {
	ts := startServer(t, &sandboxtest.Engine{
		Stdout: `{"type":"frame","line":3}` + "\n",
	})

	var out, errOut bytes.Buffer
	err := runClient(context.Background(), clientOptions{
		Server:     ts.URL,
		SessionID:  "cli-2",
		Source:     "class A {}",
		ShowFrames: true,
	}, &out, &errOut)
	require.NoError(t, err)
	assert.Contains(t, errOut.String(), `{"type":"frame","line":3}`)
}

func TestRunClientReportsFailure(t *testing.T) {
	ts := startServer(t, &sandboxtest.Engine{StartErr: errors.New("no capacity")})

	var out, errOut bytes.Buffer
	err := runClient(context.Background(), clientOptions{
		Server:    ts.URL,
		SessionID: "cli-3",
		Source:    "class A {}",
	}, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run failed")
	assert.Contains(t, errOut.String(), "error:")
}

func TestRunClientEngineErrorDoesNotEndRun(t *testing.T) {
	ts := startServer(t, &sandboxtest.Engine{
		Stdout: `{"type":"error","message":"Execution exceeded maximum step limit (5000)"}` + "\n" +
			`{"type":"stdout","output":"after\n"}` + "\n" +
			`{"type":"end"}` + "\n",
	})

	var out, errOut bytes.Buffer
	err := runClient(context.Background(), clientOptions{
		Server:    ts.URL,
		SessionID: "cli-6",
		Source:    "class A {}",
	}, &out, &errOut)
	require.NoError(t, err)

	assert.Equal(t, "after\n", out.String())
	assert.Contains(t, errOut.String(), "error: Execution exceeded maximum step limit (5000)")
	assert.Contains(t, errOut.String(), "completed")
}

func TestRunClientProject(t *testing.T) {
	engine := &sandboxtest.Engine{Stdout: `{"type":"stdout","output":"hi\n"}` + "\n"}
	ts := startServer(t, engine)

	tree := []workspace.Node{
		{Name: "app", Kind: workspace.KindFolder, Children: []workspace.Node{
			{Name: "Main.java", Kind: workspace.KindFile, Content: "package app; public class Main {}"},
		}},
	}

	var out, errOut bytes.Buffer
	err := runClient(context.Background(), clientOptions{
		Server:    ts.URL,
		SessionID: "cli-4",
		Tree:      tree,
		Entry:     "app/Main.java",
	}, &out, &errOut)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out.String())
	assert.Equal(t, "package app; public class Main {}", engine.Staged()["app/Main.java"])
}

func TestRunClientUnreachableServer(t *testing.T) {
	err := runClient(context.Background(), clientOptions{
		Server:    "http://127.0.0.1:1",
		SessionID: "cli-5",
		Source:    "class A {}",
	}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to ws://127.0.0.1:1/ws")
}

func TestLoadTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Main.java"), []byte("class Main {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "Util.java"), []byte("class Util {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))

	tree, err := loadTree(dir)
	require.NoError(t, err)

	require.Len(t, tree, 2)
	assert.Equal(t, workspace.Node{Name: "Main.java", Kind: workspace.KindFile, Content: "class Main {}"}, tree[0])
	assert.Equal(t, "pkg", tree[1].Name)
	assert.Equal(t, workspace.KindFolder, tree[1].Kind)
	require.Len(t, tree[1].Children, 1)
	assert.Equal(t, "Util.java", tree[1].Children[0].Name)
	assert.True(t, workspace.Contains(tree, "pkg/Util.java"))
}

func TestLoadTreeMissingDir(t *testing.T) {
	_, err := loadTree(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
