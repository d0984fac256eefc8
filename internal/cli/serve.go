package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"minicdp/internal/api"
)

// ServeCommand creates the serve command.
func ServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if addr == "" {
				addr = rt.cfg.HTTPAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := api.NewServer(rt.ds, rt.orch, rt.engine, rt.cfg.BootstrapKeys, rt.log)
			rt.log.Info("starting server",
				zap.String("addr", addr),
				zap.Duration("decision_ttl", rt.cfg.DecisionTTL))
			return srv.Start(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides CDP_HTTP_ADDR)")
	return cmd
}
