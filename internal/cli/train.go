package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/juicywoowowow/flowtrain/internal/graph"
	"github.com/juicywoowowow/flowtrain/internal/store"
	"github.com/juicywoowowow/flowtrain/internal/trainer"
)

type trainOptions struct {
	graphPath string
	dataset   string
	artifact  string
	record    bool

	epochs     int
	batchSize  int
	trainSplit float64
	optimizer  string
	lr         float64
}

func newTrainCommand() *cobra.Command {
	var opts trainOptions
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training job and print its events",
		Long: `Train compiles the graph, trains it on the dataset and prints every
progress event as one JSON object per line. The last line is either a
"completed" event carrying the base64 state dict or an "error" event.`,
		Example: `  # Train the MLP example on MNIST for two epochs
  flowtrain train --graph internal/graph/testdata/mlp.yaml --dataset mnist --epochs 2

  # Smoke test without any dataset files, saving the parameters
  flowtrain train --graph g.json --dataset synthetic --artifact model.flwt`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, &opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.graphPath, "graph", "g", "", "model graph file (.json or .yaml)")
	f.StringVarP(&opts.dataset, "dataset", "d", "", "dataset id")
	f.StringVar(&opts.artifact, "artifact", "", "write the trained state dict to this file")
	f.BoolVar(&opts.record, "record", true, "record the job in the history database")
	f.IntVar(&opts.epochs, "epochs", 0, "number of epochs")
	f.IntVar(&opts.batchSize, "batch-size", 0, "samples per batch")
	f.Float64Var(&opts.trainSplit, "train-split", 0, "fraction of samples used for training")
	f.StringVar(&opts.optimizer, "optimizer", "", "adam, sgd or adamw")
	f.Float64Var(&opts.lr, "lr", 0, "learning rate")
	_ = cmd.MarkFlagRequired("graph")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

// trainingConfig starts from the configured defaults and applies the flags
// set on the command line.
func (o *trainOptions) trainingConfig(cmd *cobra.Command, defaults trainer.Config) trainer.Config {
	c := defaults
	f := cmd.Flags()
	if f.Changed("epochs") {
		c.Epochs = o.epochs
	}
	if f.Changed("batch-size") {
		c.BatchSize = o.batchSize
	}
	if f.Changed("train-split") {
		c.TrainSplit = o.trainSplit
	}
	if f.Changed("optimizer") {
		c.Optimizer = o.optimizer
	}
	if f.Changed("lr") {
		c.LearningRate = o.lr
	}
	return c
}

func runTrain(cmd *cobra.Command, opts *trainOptions) error {
	ctx := cmd.Context()
	cfg := getConfig(cmd)
	logger := cfg.Logger(cmd.ErrOrStderr())

	g, err := graph.Load(opts.graphPath)
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	req := trainer.Request{
		JobID:     uuid.NewString(),
		Graph:     g,
		DatasetID: opts.dataset,
		Config:    opts.trainingConfig(cmd, cfg.Training),
	}

	var history *store.Store
	if opts.record {
		history, err = store.Open(ctx, cfg.StatePath, store.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer history.Close()
		if _, err := history.Create(ctx, req.JobID, req.DatasetID, req.Config); err != nil {
			return err
		}
	}

	// History writes outlive an interrupted run.
	hctx := context.WithoutCancel(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	var last trainer.Event
	for ev := range eng.Run(ctx, req) {
		last = ev
		if history != nil {
			if err := history.Record(hctx, req.JobID, ev); err != nil {
				logger.Warn("record event", "kind", ev.Kind(), "error", err)
			}
		}
		if err := enc.Encode(ev); err != nil {
			if history != nil {
				_ = history.Abandon(hctx, req.JobID)
			}
			return fmt.Errorf("write event: %w", err)
		}
	}

	switch ev := last.(type) {
	case trainer.Completed:
		if opts.artifact != "" {
			return writeArtifact(opts.artifact, ev)
		}
		return nil
	case trainer.Error:
		return fmt.Errorf("training failed (%s): %s", ev.FailureKind, ev.Message)
	default:
		return errors.New("training stream ended without a terminal event")
	}
}

func writeArtifact(path string, ev trainer.Completed) error {
	blob, err := ev.ArtifactData().Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}
