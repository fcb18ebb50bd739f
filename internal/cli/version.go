package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/juicywoowowow/flowtrain/internal/device"
	flow "github.com/juicywoowowow/flowtrain/src"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "flowtrain v%s (%s %s/%s)\n", flow.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			_, _ = fmt.Fprintf(out, "device: %s\n", device.CPU().Describe())
		},
	}
}
