package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", b.Version, b.Commit, b.BuildDate)
}

// NewRootCmd builds the fetchbridge command tree.
func NewRootCmd(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "fetchbridge",
		Short: "Serve request/response handlers on native HTTP servers",
		Long: `fetchbridge runs an application written against a standard
request/response pair on net/http or fasthttp, and benchmarks it.`,
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCmd(info), newBenchCmd(), newVersionCmd(info))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute(info BuildInfo) {
	if err := NewRootCmd(info).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fetchbridge %s\n", info)
		},
	}
}
