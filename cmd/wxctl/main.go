// Command wxctl is the operator CLI for the weather cache: one-off
// ingestion, lookups and index queries against the configured store, and
// offline decoding of bulk files.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/couchcryptid/wx-cache-service/internal/adapter/memory"
	redisadapter "github.com/couchcryptid/wx-cache-service/internal/adapter/redis"
	"github.com/couchcryptid/wx-cache-service/internal/config"
	"github.com/couchcryptid/wx-cache-service/internal/observability"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/couchcryptid/wx-cache-service/internal/retrieval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// env carries what every subcommand needs once the config is loaded.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	stdout  io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	e := &env{stdout: stdout}
	var logLevel string

	root := &cobra.Command{
		Use:           "wxctl",
		Short:         "wxctl - aviation weather cache operator tool",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = observability.NewLoggerTo(stderr, logLevel, "text")
			e.metrics = observability.NewMetricsWith(prometheus.NewRegistry())
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr (debug, info, warn, error)")

	root.AddCommand(
		newIngestCommand(e),
		newLookupCommand(e),
		newListCommand(e),
		newDecodeCommand(e),
	)
	return root
}

// cliStore is the union of the pipeline and retrieval views of a store.
type cliStore interface {
	pipeline.Store
	retrieval.Store
	Close() error
}

func (e *env) openStore() cliStore {
	if e.cfg.StoreBackend == config.BackendMemory {
		return memory.NewStore(nil)
	}
	return redisadapter.NewStore(e.cfg, e.logger)
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
