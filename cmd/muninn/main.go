// Package main is the muninn CLI: a persistent memory service for LLM
// agents backed by Postgres.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/jobs"
	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/server"
	"github.com/orneryd/muninn/pkg/store"
	"github.com/orneryd/muninn/pkg/wm"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "muninn",
		Short: "Muninn - persistent memory for LLM agents",
		Long: `Muninn stores agent memories in Postgres with hybrid fulltext and
vector retrieval, hierarchical tags, token-budgeted working memory, and
optional multi-robot synchronization.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("muninn v%s (%s)\n", version, commit)
		},
	})

	root.AddCommand(serveCmd())
	root.AddCommand(rememberCmd())
	root.AddCommand(recallCmd())
	root.AddCommand(forgetCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(importCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(contextCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "muninn: %v\n", err)
		os.Exit(memerr.ExitCode(err))
	}
}

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func serveLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openMemory wires the service for a one-shot command. The pool backend is
// downgraded to inline so enrichment finishes before the process exits;
// redis and postgres queues survive the exit and stay as configured.
func openMemory(ctx context.Context, logger *zap.Logger) (*muninn.Memory, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if jobs.BackendName(cfg.Jobs) == "pool" {
		cfg.Jobs.Backend = "inline"
	}
	return muninn.Open(ctx, cfg, logger)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return memerr.E(memerr.Internal, "encode output", err)
	}
	fmt.Println(string(out))
	return nil
}

func parseNodeID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, memerr.Ef(memerr.Validation, "invalid node id %q", raw)
	}
	return id, nil
}

func serveCmd() *cobra.Command {
	var httpPort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory service with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := serveLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-port") {
				cfg.Server.HTTPPort = httpPort
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mem, err := muninn.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			m := mem.Metrics()
			if !cfg.Telemetry.Enabled {
				m = nil
			}
			srv := server.New(cfg.Server, mem, mem.HealthChecker(logger), m, logger)
			if err := srv.Start(); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("shutting down")
			return srv.Stop(context.Background())
		},
	}
	cmd.Flags().IntVar(&httpPort, "http-port", 7777, "HTTP API port")
	return cmd
}

func rememberCmd() *cobra.Command {
	var tags []string
	var skipWM bool
	cmd := &cobra.Command{
		Use:   "remember [content]",
		Short: "Store a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mem, err := openMemory(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			res, err := mem.Remember(cmd.Context(), args[0], muninn.RememberOptions{
				Tags:              tags,
				SkipWorkingMemory: skipWM,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags to attach immediately")
	cmd.Flags().BoolVar(&skipWM, "skip-working-memory", false, "Persist without caching")
	return cmd
}

func recallCmd() *cobra.Command {
	var (
		strategy  string
		limit     int
		timeframe string
		tags      []string
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Search memories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mem, err := openMemory(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			query := ""
			if len(args) > 0 {
				query = args[0]
			}
			results, err := mem.Recall(cmd.Context(), muninn.RecallOptions{
				Query:         query,
				Strategy:      strategy,
				Limit:         limit,
				TimeframeExpr: timeframe,
				Tags:          tags,
				Raw:           raw,
			})
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "fulltext, vector, or hybrid (default)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results")
	cmd.Flags().StringVar(&timeframe, "timeframe", "", `Timeframe phrase, YYYY-MM-DD, or ":auto"`)
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Filter by tags")
	cmd.Flags().BoolVar(&raw, "raw", false, "Skip working-memory promotion")
	return cmd
}

func forgetCmd() *cobra.Command {
	var hard bool
	var confirm string
	cmd := &cobra.Command{
		Use:   "forget [node-id]",
		Short: "Delete a memory (soft by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mem, err := openMemory(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			if err := mem.Forget(cmd.Context(), id, hard, confirm); err != nil {
				return err
			}
			if hard {
				fmt.Printf("node %d permanently deleted\n", id)
			} else {
				fmt.Printf("node %d forgotten (restorable)\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "Physically delete the row")
	cmd.Flags().StringVar(&confirm, "confirm", "",
		fmt.Sprintf("Required with --hard; must be %q", store.ConfirmHardDelete))
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [node-id]",
		Short: "Bring back a soft-deleted memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mem, err := openMemory(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			if err := mem.Restore(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("node %d restored\n", id)
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import a file as chunked memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mem, err := openMemory(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			res, err := mem.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mem, err := openMemory(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			st, err := mem.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func contextCmd() *cobra.Command {
	var strategy string
	var budget int
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Assemble the working-memory context block",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			mem, err := openMemory(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer mem.Close()

			fmt.Println(mem.AssembleContext(wm.Strategy(strategy), budget))
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(wm.StrategyRecent),
		"recent, important, or balanced")
	cmd.Flags().IntVar(&budget, "budget", 0, "Token budget (0 = whole working memory)")
	return cmd
}
