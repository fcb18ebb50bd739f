// Package cli provides the flowtrain command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/juicywoowowow/flowtrain/internal/compiler"
	"github.com/juicywoowowow/flowtrain/internal/config"
	"github.com/juicywoowowow/flowtrain/internal/datasets"
	"github.com/juicywoowowow/flowtrain/internal/device"
	"github.com/juicywoowowow/flowtrain/internal/graph"
	"github.com/juicywoowowow/flowtrain/internal/trainer"
	flow "github.com/juicywoowowow/flowtrain/src"
)

// configKey is used to store the loaded config in the command context.
type configKey struct{}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile, envFile string

	root := &cobra.Command{
		Use:   "flowtrain",
		Short: "Train neural networks described as graphs",
		Long: `flowtrain compiles a declarative model graph into a network, trains it on
an image dataset and streams progress events, ending with the trained
parameters or a failure report.`,
		Version: flow.Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := config.Load(config.Options{File: cfgFile, DotEnv: envFile, Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./"+config.DefaultConfigFile+")")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.String("data-dir", "", "directory holding the datasets")
	pf.String("cifar-dir", "", "CIFAR-10 binary batches (default: <data-dir>/cifar10)")
	pf.Bool("verify-checksums", true, "check digests of known dataset files")
	pf.String("state-path", "", "job history database")
	pf.String("device", "", "device preference (auto|cpu)")
	pf.Int64("seed", 0, "seed for initialisation, splits and shuffling")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (text|json)")

	root.AddCommand(
		newTrainCommand(),
		newServeCommand(),
		newHistoryCommand(),
		newInspectCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func getConfig(cmd *cobra.Command) *config.Config {
	if c, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return c
	}
	return &config.Config{
		DataDir:   config.DefaultDataDir,
		StatePath: config.DefaultStatePath,
		Training:  trainer.DefaultConfig(),
	}
}

// newEngine wires the engine's collaborators from cfg.
func newEngine(cfg *config.Config, logger *slog.Logger) (*trainer.Engine, error) {
	comp := compiler.New(compiler.Options{Seed: cfg.Seed})
	provider := datasets.Mux{
		Default: datasets.NewDisk(datasets.DiskConfig{
			Dir:      cfg.DataDir,
			CIFARDir: cfg.CIFARDir,
			Seed:     cfg.Seed,
			Verify:   cfg.VerifyChecksums,
			Logger:   logger,
		}),
		Routes: map[string]datasets.Provider{
			datasets.SyntheticID: datasets.Synthetic{Seed: cfg.Seed},
		},
	}
	return trainer.New(trainer.Options{
		Compiler: trainer.CompilerFunc(func(g graph.Schema, inputShape []int) (trainer.Model, error) {
			net, err := comp.Compile(g, inputShape)
			if err != nil {
				return nil, err
			}
			return net, nil
		}),
		Provider: provider,
		Device:   device.NewHost(device.Config{Preference: cfg.Device}),
		Logger:   logger,
	})
}
