package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/juicywoowowow/flowtrain/internal/store"
)

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded training jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := getConfig(cmd)

			history, err := store.Open(ctx, cfg.StatePath, store.Options{})
			if err != nil {
				return err
			}
			defer history.Close()

			jobs, err := history.List(ctx, limit)
			if err != nil {
				return err
			}
			renderJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show (0 for all)")
	return cmd
}

func renderJobs(w io.Writer, jobs []store.Job) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "(no jobs)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Dataset", "Status", "Epochs", "Train loss", "Val loss", "Val acc", "Created", "Duration", "Error"})
	for _, j := range jobs {
		trainLoss, valLoss, valAcc := "-", "-", "-"
		if m := j.Metrics; m != nil {
			trainLoss = strconv.FormatFloat(m.TrainLoss, 'f', -1, 64)
			valLoss = strconv.FormatFloat(m.ValLoss, 'f', -1, 64)
			valAcc = strconv.FormatFloat(m.ValAcc, 'f', -1, 64)
		}
		duration := "-"
		if j.StartedAt != nil && j.FinishedAt != nil {
			duration = j.FinishedAt.Sub(*j.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			j.ID,
			j.Dataset,
			j.Status,
			fmt.Sprintf("%d/%d", j.EpochsDone, j.Config.Epochs),
			trainLoss,
			valLoss,
			valAcc,
			j.CreatedAt.Local().Format(time.DateTime),
			duration,
			j.Error,
		})
	}
	t.Render()
}
