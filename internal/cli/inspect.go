package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/juicywoowowow/flowtrain/internal/trainer"
	flow "github.com/juicywoowowow/flowtrain/src"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "List the tensors of a saved state dict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sd, err := trainer.DecodeStateDict(blob)
			if err != nil {
				return err
			}
			renderStateDict(cmd.OutOrStdout(), sd, len(blob))
			return nil
		},
	}
}

func renderStateDict(w io.Writer, sd []flow.NamedTensor, size int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Tensor", "Shape", "Values"})
	var total int
	for _, nt := range sd {
		t.AppendRow(table.Row{nt.Name, fmt.Sprint(nt.Shape), len(nt.Data)})
		total += len(nt.Data)
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "%d tensors, %d values, %d bytes\n", len(sd), total, size)
}
