// Package cli defines the minicdp command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"minicdp/internal/config"
	"minicdp/internal/decision"
	"minicdp/internal/identity"
	"minicdp/internal/logging"
	"minicdp/internal/pipeline"
	"minicdp/internal/segments"
	"minicdp/internal/store"
	"minicdp/internal/traits"
)

// RootCommand builds the full command tree.
func RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "minicdp",
		Short: "Minimal customer data platform: events in, traits, segments and flag decisions out",
		Long: `minicdp ingests identified events, derives per-user traits and segment
memberships from them, and answers feature-flag decisions over HTTP.

Configuration is taken from the environment:
  CDP_STORE_TYPE    postgres (default) or memory
  DB_CONN_STRING    Postgres connection string
  CDP_HTTP_ADDR     listen address (default :8080)
  CDP_DECISION_TTL  decision cache TTL (default 60s)
  CDP_API_KEYS      bootstrap keys, "kind:key" comma separated
  CDP_LOG_LEVEL     debug, info, warn, error
  CDP_LOG_FORMAT    json (default) or console`,
		SilenceUsage: true,
	}

	root.AddCommand(
		ServeCommand(),
		InitDBCommand(),
		SeedDemoCommand(),
		RecomputeCommand(),
		ValidateCommand(),
	)
	return root
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// runtime bundles the wired core shared by the commands.
type runtime struct {
	cfg    config.Config
	log    *zap.Logger
	ds     store.DataStore
	cache  *decision.Cache
	orch   *pipeline.Orchestrator
	engine *decision.Engine
}

func buildRuntime() (*runtime, error) {
	cfg := config.Load()
	log := logging.New()

	ds, err := store.NewDataStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize data store: %w", err)
	}

	cache := decision.NewCache(cfg.DecisionTTL)
	orch := pipeline.New(ds,
		identity.NewResolver(ds, log),
		traits.NewComputer(ds, log),
		segments.NewComputer(ds, log),
		cache, log)

	return &runtime{
		cfg:    cfg,
		log:    log,
		ds:     ds,
		cache:  cache,
		orch:   orch,
		engine: decision.NewEngine(ds, cache, log),
	}, nil
}

func (rt *runtime) close() {
	rt.cache.Close()
	if err := rt.ds.Close(); err != nil {
		rt.log.Warn("failed to close data store", zap.Error(err))
	}
	_ = rt.log.Sync()
}
