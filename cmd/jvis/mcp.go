package main

import (
	"github.com/spf13/cobra"

	"github.com/michaelbrown/jvis/internal/mcpserver"
	"github.com/michaelbrown/jvis/internal/session"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the visualize_java tool over MCP (stdio)",
	Long: `Run jvis as an MCP server on stdin/stdout.

The visualize_java tool runs a single-file program in the sandbox and returns
its event trace. Logs go to stderr.

Example client entry:
  {"command": "jvis", "args": ["mcp"]}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		// Tool calls collect their own events; no session channels exist here.
		coord, err := a.coordinator(session.NewRegistry(a.logger.Named("sessions"), nil))
		if err != nil {
			return err
		}

		return mcpserver.New(coord, version, a.logger.Named("mcp")).ServeStdio()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
