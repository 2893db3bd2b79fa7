package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustioagency/IQsion-sub000/internal/ingest"
)

func seedCmd(g *globals) *cobra.Command {
	var opts ingest.SampleOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write deterministic sample touchpoints and conversions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.st.Close()
			opts.End = time.Now()
			st, err := ingest.GenerateSample(cmd.Context(), e.st, opts)
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d touchpoints, %d conversions\n", st.Touchpoints, st.Conversions)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Identities, "identities", 50, "Number of sample customers")
	cmd.Flags().IntVar(&opts.Days, "days", 30, "Days of history ending today")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "Random seed")
	return cmd
}

func syncCmd(g *globals) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull touchpoints and conversions from the collector endpoints once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.st.Close()
			if !e.cfg.CollectorsConfigured() {
				return errors.New("COLLECTOR_TOUCHPOINTS_URL and COLLECTOR_CONVERSIONS_URL must be set")
			}
			var from *time.Time
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				from = &t
			}
			l := ingest.NewLoader(ingest.NewHTTPClient(e.cfg.HTTPTimeout), e.st, e.log, e.cfg)
			st, err := l.Sync(cmd.Context(), from)
			if err != nil {
				return err
			}
			fmt.Printf("touchpoints=%d conversions=%d duplicates=%d skipped=%d\n",
				st.Touchpoints, st.Conversions, st.Duplicates, st.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Ignore rows before this day (YYYY-MM-DD)")
	return cmd
}
