package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "jvis",
	Short: "jvis - step-by-step Java execution visualizer",
	Long: `jvis runs untrusted Java programs in locked-down Docker containers and
streams their execution trace (frames, output, errors) to a browser over a
WebSocket session.

Configuration is read from jvis.yaml (current directory or $HOME/.jvis) and
JVIS_* environment variables.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./jvis.yaml or $HOME/.jvis/jvis.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
