package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/jvis/internal/events"
	"github.com/michaelbrown/jvis/internal/workspace"
)

var (
	serverFlag  string
	projectFlag string
	entryFlag   string
	framesFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run [File.java]",
	Short: "Run a program on a jvis server and print its trace",
	Long: `Run a Java program on a running jvis server.

The command opens a session channel, submits the program and prints events
as they arrive until the run completes or fails.

Examples:
  jvis run Main.java
  jvis run --frames Main.java
  jvis run --project ./app --entry com/acme/Main.java`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := clientOptions{
			Server:     serverFlag,
			SessionID:  uuid.NewString(),
			ShowFrames: framesFlag,
		}
		switch {
		case projectFlag != "":
			tree, err := loadTree(projectFlag)
			if err != nil {
				return err
			}
			opts.Tree = tree
			opts.Entry = entryFlag
		case len(args) == 1:
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			opts.Source = string(data)
		default:
			return errors.New("give a source file or --project")
		}
		return runClient(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	runCmd.Flags().StringVar(&serverFlag, "server", "http://localhost:3001", "jvis server URL")
	runCmd.Flags().StringVar(&projectFlag, "project", "", "Run a project directory instead of a single file")
	runCmd.Flags().StringVar(&entryFlag, "entry", "Main.java", "Entry file relative to --project")
	runCmd.Flags().BoolVar(&framesFlag, "frames", false, "Print every frame event as JSON")
	rootCmd.AddCommand(runCmd)
}

type clientOptions struct {
	Server     string
	SessionID  string
	Source     string
	Tree       []workspace.Node
	Entry      string
	ShowFrames bool
}

// settleWait bounds how long the client waits for the terminal event after
// the HTTP response.
const settleWait = 5 * time.Second

func runClient(ctx context.Context, opts clientOptions, out, errOut io.Writer) error {
	base := strings.TrimRight(opts.Server, "/")
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "register", "sessionId": opts.SessionID}); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	if err := awaitRegistered(conn); err != nil {
		return err
	}

	terminal := make(chan events.Event, 1)
	go readEvents(conn, opts.ShowFrames, out, errOut, terminal)

	res, postErr := submit(ctx, base, opts)

	select {
	case ev := <-terminal:
		if ev.Type == events.TypeError {
			return fmt.Errorf("run failed: %s", ev.Message)
		}
	case <-time.After(settleWait):
		if postErr == nil {
			return errors.New("run finished but no completion event arrived")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if postErr != nil {
		return postErr
	}
	fmt.Fprintf(errOut, "run %s %s\n", res.ExecutionID, res.Status)
	return nil
}

func awaitRegistered(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for registration: %w", err)
		}
		ev, err := events.FromRecord(data)
		if err == nil && ev.Type == events.TypeRegistered {
			return nil
		}
	}
}

// readEvents prints events until the connection closes, reporting the first
// execution_complete or service error for the run on terminal. Error records
// written by the engine carry no run id; they are printed but do not end the run.
func readEvents(conn *websocket.Conn, showFrames bool, out, errOut io.Writer, terminal chan<- events.Event) {
	var runID string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := events.FromRecord(data)
		if err != nil {
			continue
		}

		switch ev.Type {
		case events.TypeExecutionStart:
			fmt.Fprintf(errOut, "run %s started\n", ev.ExecutionID)
		case events.TypeStdout:
			fmt.Fprint(out, ev.Output)
		case events.TypeFrame:
			if showFrames {
				fmt.Fprintf(errOut, "%s\n", bytes.TrimSpace(data))
			}
		case events.TypeCompileError:
			fmt.Fprintf(errOut, "compile error: %s\n", ev.Message)
		case events.TypeError:
			fmt.Fprintf(errOut, "error: %s\n", ev.Message)
		}

		if ev.Type == events.TypeExecutionStart && runID == "" {
			runID = ev.ExecutionID
		}
		if ev.Ends(runID) {
			select {
			case terminal <- ev:
			default:
			}
		}
	}
}

type executeResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Error       string `json:"error"`
}

func submit(ctx context.Context, base string, opts clientOptions) (executeResponse, error) {
	var (
		path string
		body any
	)
	if opts.Tree != nil {
		path = "/api/execute/project"
		body = map[string]any{"tree": opts.Tree, "mainClassPath": opts.Entry, "sessionId": opts.SessionID}
	} else {
		path = "/api/execute"
		body = map[string]any{"code": opts.Source, "sessionId": opts.SessionID}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return executeResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return executeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return executeResponse{}, fmt.Errorf("submitting program: %w", err)
	}
	defer resp.Body.Close()

	var res executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decoding response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("server returned %s: %s", resp.Status, res.Error)
	}
	return res, nil
}

// loadTree reads dir into a project tree. Hidden entries are skipped.
func loadTree(dir string) ([]workspace.Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	nodes := []workspace.Node{}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			children, err := loadTree(p)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, workspace.Node{Name: e.Name(), Kind: workspace.KindFolder, Children: children})
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, workspace.Node{Name: e.Name(), Kind: workspace.KindFile, Content: string(data)})
	}
	return nodes, nil
}
