package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/trustioagency/IQsion-sub000/internal/config"
	"github.com/trustioagency/IQsion-sub000/internal/engine"
	"github.com/trustioagency/IQsion-sub000/internal/store"
)

var Version = "dev"

type globals struct {
	driver  string
	dsn     string
	verbose bool
}

func main() {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "attribctl",
		Short:         "Run attribution queries against a configured store",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.driver, "driver", "", "Store driver (memory, sqlite, postgres); defaults to STORE_DRIVER")
	rootCmd.PersistentFlags().StringVar(&g.dsn, "dsn", "", "Store DSN; defaults to STORE_DSN")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(sourcesCmd(g))
	rootCmd.AddCommand(journeysCmd(g))
	rootCmd.AddCommand(seedCmd(g))
	rootCmd.AddCommand(syncCmd(g))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env bundles what every subcommand needs.
type env struct {
	cfg config.Config
	log *slog.Logger
	st  store.Backend
}

func (g *globals) open(ctx context.Context) (*env, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if g.driver != "" {
		cfg.StoreDriver = g.driver
	}
	if g.dsn != "" {
		cfg.StoreDSN = g.dsn
	}
	var w io.Writer = io.Discard
	if g.verbose {
		w = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel}))

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, st: st}, nil
}

func (e *env) service() (*engine.Service, error) {
	p, err := engine.ParamsFromConfig(e.cfg)
	if err != nil {
		return nil, err
	}
	return engine.NewService(e.st, p, e.log, nil), nil
}
