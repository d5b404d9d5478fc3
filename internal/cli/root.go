// Package cli implements the cobra-based command surface for the
// portguardd daemon: serve (run the daemon in the foreground) and
// version.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version, commit, and date are set at build time via ldflags, injected
// from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// verbose switches the logger to debug level with the development
// console encoder; the daemon config file has no log-level setting.
var verbose bool

// ServeFunc is invoked by the serve subcommand; main.go supplies the
// actual daemon bootstrap so this package stays free of import-cycle
// concerns with cmd/portguardd.
type ServeFunc func(configPath string, verbose bool) error

// NewRootCommand creates the root cobra command. serveFn is called when
// the serve subcommand runs.
func NewRootCommand(serveFn ServeFunc) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "portguardd",
		Short: "Host-local TCP port arbitration daemon",
		Long: `portguardd hands out TCP ports to requesting processes from
configured ranges, persists the grant table crash-safely, and reconciles
it against actual process liveness and OS-reported port ownership.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newServeCommand(serveFn))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newServeCommand(serveFn ServeFunc) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveFn(configPath, verbose)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the daemon YAML config (defaults to $HOME/.portguardd/daemon.yaml)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("portguardd %s (commit: %s, built: %s)\n", Version, Commit, Date)
			return nil
		},
	}
}

// Execute runs the root command and translates a returned error into a
// process exit code.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
