package cli

import (
	"github.com/spf13/cobra"

	"github.com/juicywoowowow/flowtrain/internal/config"
	"github.com/juicywoowowow/flowtrain/internal/server"
	"github.com/juicywoowowow/flowtrain/internal/store"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the training job API",
		Long: `Serve starts the HTTP API. POST /api/training/start creates a job and
GET /ws/training/{job_id} runs it, streaming its events over a WebSocket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := getConfig(cmd)
			logger := cfg.Logger(cmd.ErrOrStderr())

			history, err := store.Open(ctx, cfg.StatePath, store.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer history.Close()

			eng, err := newEngine(cfg, logger)
			if err != nil {
				return err
			}
			return server.New(server.Config{
				Runner:         eng,
				Store:          history,
				Addr:           cfg.ListenAddr,
				Logger:         logger,
				OriginPatterns: cfg.AllowedOrigins,
			}).Serve(ctx)
		},
	}
	cmd.Flags().String("listen-addr", "", "address to listen on (default "+config.DefaultListenAddr+")")
	return cmd
}
