package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set via -ldflags "-X batchq/internal/cli.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "batchq %s\n", Version)
			fmt.Fprintf(w, "  commit:     %s\n", GitCommit)
			fmt.Fprintf(w, "  built:      %s\n", BuildTime)
			fmt.Fprintf(w, "  go version: %s\n", runtime.Version())
		},
	}
}
