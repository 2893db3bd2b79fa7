package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustioagency/IQsion-sub000/internal/engine"
	"github.com/trustioagency/IQsion-sub000/internal/ingest"
)

type queryFlags struct {
	kpi      string
	model    string
	start    string
	end      string
	lookback int
	limit    int
	sample   int
	asJSON   bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kpi, "kpi", "revenue", "KPI (revenue, traffic, profit)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Attribution model; defaults to DEFAULT_MODEL")
	cmd.Flags().StringVar(&f.start, "start", "", "First day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "Last day (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.lookback, "lookback", 0, "Lookback window in days")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Number of journey patterns")
	cmd.Flags().IntVar(&f.sample, "sample", 0, "Seed this many sample identities first (useful with the memory driver)")
	cmd.Flags().BoolVarP(&f.asJSON, "json", "j", false, "Output as JSON")
}

func (f *queryFlags) values() url.Values {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("kpi", f.kpi)
	set("model", f.model)
	set("startDate", f.start)
	set("endDate", f.end)
	if f.lookback > 0 {
		v.Set("lookbackDays", strconv.Itoa(f.lookback))
	}
	if f.limit > 0 {
		v.Set("limit", strconv.Itoa(f.limit))
	}
	return v
}

func (g *globals) runQuery(cmd *cobra.Command, f *queryFlags) (*engine.Result, error) {
	ctx := cmd.Context()
	e, err := g.open(ctx)
	if err != nil {
		return nil, err
	}
	defer e.st.Close()

	if f.sample > 0 {
		if _, err := ingest.GenerateSample(ctx, e.st, ingest.SampleOptions{Identities: f.sample, End: time.Now(), Seed: 1}); err != nil {
			return nil, err
		}
	}
	svc, err := e.service()
	if err != nil {
		return nil, err
	}
	q, err := svc.ParseQuery(f.values(), time.Now())
	if err != nil {
		return nil, err
	}
	return svc.Run(ctx, q)
}

func sourcesCmd(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Credit per channel for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.runQuery(cmd, f)
			if err != nil {
				return err
			}
			if f.asJSON {
				return printJSON(res.Sources)
			}
			printHeader(res)
			fmt.Printf("  %-10s %12s %8s %8s %10s\n", "CHANNEL", "VALUE", "SHARE", "ORDERS", "SPEND")
			for _, s := range res.Sources {
				fmt.Printf("  %-10s %12.2f %7.2f%% %8d %10.2f\n", s.Channel, s.CreditedValue, s.Share, s.Orders, s.Spend)
			}
			fmt.Printf("  %-10s %12.2f\n", "TOTAL", res.Total)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func journeysCmd(g *globals) *cobra.Command {
	f := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "journeys",
		Short: "Most frequent customer journeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.runQuery(cmd, f)
			if err != nil {
				return err
			}
			if f.asJSON {
				return printJSON(res.Patterns)
			}
			printHeader(res)
			for i, p := range res.Patterns {
				fmt.Printf("  %d. %6.2f%%  n=%-5d avg=%-9.2f %s\n", i+1, p.OccurrenceShare, p.SampleSize, p.AvgValue, p.Key())
			}
			fmt.Printf("  %d journeys\n", res.TotalJourneys)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func printHeader(res *engine.Result) {
	q := res.Query
	fmt.Printf("%s / %s  %s .. %s  (%d conversions)\n", q.KPI, q.Model,
		q.Start.Format("2006-01-02"), q.End.Format("2006-01-02"), res.Conversions)
	fmt.Println(strings.Repeat("=", 56))
	if n := res.Note(); n != "" {
		fmt.Printf("  note: %s\n", n)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", " ")
	return enc.Encode(v)
}
