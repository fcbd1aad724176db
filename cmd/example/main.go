// Command example seeds a healthobs server with synthetic health data and prints
// what the engine makes of it.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/sdk"
	"github.com/nicktill/healthobs/pkg/stats"
)

type options struct {
	endpoint    string
	days        int
	seed        int64
	missingRate float64
	verbose     bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "example",
		Short:        "Seed a healthobs server with synthetic observations",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "http://localhost:8080", "server base URL")
	cmd.Flags().IntVar(&opts.days, "days", 90, "days of history to generate, ending today")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "random seed")
	cmd.Flags().Float64Var(&opts.missingRate, "missing-rate", 0.02, "fraction of observations sent as null")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log client activity")
	return cmd
}

func run(ctx context.Context, out io.Writer, opts *options) error {
	if opts.days < 1 {
		return fmt.Errorf("--days must be at least 1")
	}
	logger := zap.NewNop()
	if opts.verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	client, err := sdk.New(sdk.ClientConfig{
		Endpoint:     opts.endpoint,
		MaxBatchSize: 5000,
		FlushEvery:   time.Second,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}

	today := stats.Date(time.Now().UTC())
	start := today.AddDate(0, 0, -(opts.days - 1))
	observations := generate(start, opts.days, rand.New(rand.NewSource(opts.seed)), opts.missingRate)
	for _, o := range observations {
		v := math.NaN()
		if o.Value != nil {
			v = *o.Value
		}
		client.RecordFrom(o.Source, o.Metric, o.Timestamp, v)
	}
	if err := client.Stop(); err != nil {
		return err
	}
	delivery := client.Delivery()
	fmt.Fprintf(out, "sent %d observations (%d failed) covering %s to %s\n",
		delivery.Sent, delivery.Failed, stats.FormatDate(start), stats.FormatDate(today))

	return summarize(ctx, out, client, start, today.AddDate(0, 0, 1))
}

func summarize(ctx context.Context, out io.Writer, client *sdk.Client, start, end time.Time) error {
	fmt.Fprintln(out, "\nweekly heart_rate:")
	weeks, err := client.Series(ctx, "heart_rate", stats.Week, start, end)
	if err != nil {
		return err
	}
	for _, w := range weeks {
		fmt.Fprintf(out, "  %s  n=%-4d mean=%-8s sd=%s\n", stats.FormatDate(w.Key.Start), w.Count, w.Mean, w.StdDev)
	}

	corr, err := client.Correlation(ctx, "steps", "sleep_hours", stats.Day, start, end, 3)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nsteps vs sleep_hours: r=%s (n=%d), best lag %d r=%s\n",
		corr.Coefficient, corr.N, corr.BestLag, corr.BestCoefficient)

	report, err := client.Anomalies(ctx, "heart_rate", stats.Day, end.AddDate(0, 0, -14), end)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nheart_rate anomalies in the last 14 days: %d\n", len(report.Statistical))
	for _, f := range report.Statistical {
		fmt.Fprintf(out, "  %s  mean=%.2f baseline=%.2f z=%s %s\n",
			stats.FormatDate(f.Period), f.Mean, f.Baseline, f.Score, f.Severity)
	}
	return nil
}
