// Package cli implements the command-line interface for mailmetrics.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/eunmann/mail-metrics/internal/config"
	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/etl"
	"github.com/eunmann/mail-metrics/pkg/humanfmt"
	"github.com/eunmann/mail-metrics/pkg/logging"
	"github.com/eunmann/mail-metrics/pkg/source"
	"github.com/eunmann/mail-metrics/pkg/store"
)

const usage = "usage: mailmetrics <command> [options]\ncommands: run, show"

// Run executes the CLI with the given arguments. Tables from show are
// written to out.
func Run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "run":
		return runETL(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:], out)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// parseDateFlag accepts an empty value as an open bound.
func parseDateFlag(name, v string) (*aggregate.Date, error) {
	if v == "" {
		return nil, nil
	}
	d, ok := aggregate.ParseDate(v)
	if !ok {
		return nil, fmt.Errorf("--%s: invalid date %q, want YYYY-MM-DD", name, v)
	}
	return &d, nil
}

func parseRange(start, end string) (source.Range, error) {
	s, err := parseDateFlag("start", start)
	if err != nil {
		return source.Range{}, err
	}
	e, err := parseDateFlag("end", end)
	if err != nil {
		return source.Range{}, err
	}
	if s != nil && e != nil && *e < *s {
		return source.Range{}, fmt.Errorf("--end %s is before --start %s", e, s)
	}
	return source.Range{Start: s, End: e}, nil
}

func loadConfig(envFile, memBudget string, debug, human bool) (*config.Config, error) {
	logging.Init(debug, human)
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if !debug {
		logging.SetLevel(cfg.LogLevel)
	}
	if memBudget != "" {
		cfg.MemoryBudget = memBudget
	}
	return cfg, nil
}

func runETL(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fullRebuild := fs.Bool("full-rebuild", false, "recompute every date in the source")
	start := fs.String("start", "", "first creation date to process (YYYY-MM-DD)")
	end := fs.String("end", "", "last creation date to process, inclusive (YYYY-MM-DD)")
	envFile := fs.String("env-file", config.DefaultEnvFile, "optional dotenv file")
	memBudget := fs.String("mem-budget", "", "memory budget, e.g. 4GiB (overrides MEMORY_BUDGET)")
	skipExtracts := fs.Bool("skip-extracts", false, "skip the detail extracts")
	debug := fs.Bool("debug", false, "enable debug logging")
	human := fs.Bool("human", false, "human-readable console logs")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	rng, err := parseRange(*start, *end)
	if err != nil {
		return err
	}
	if *fullRebuild && rng.Bounded() {
		return errors.New("--full-rebuild cannot be combined with --start or --end")
	}

	cfg, err := loadConfig(*envFile, *memBudget, *debug, *human)
	if err != nil {
		return err
	}

	runner, err := etl.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer runner.Close()

	_, err = runner.Run(ctx, etl.Options{
		Range:        rng,
		FullRebuild:  *fullRebuild,
		SkipExtracts: *skipExtracts,
	})
	return err
}

func runShow(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	limit := fs.Int("limit", 30, "number of most recent days to print")
	start := fs.String("start", "", "first metric date (YYYY-MM-DD)")
	end := fs.String("end", "", "last metric date, inclusive (YYYY-MM-DD)")
	domains := fs.Int("domains", 0, "also print the top N domains per day")
	repeated := fs.Int("repeated", 0, "also print the N most repeated addresses")
	envFile := fs.String("env-file", config.DefaultEnvFile, "optional dotenv file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("--limit must be positive")
	}

	rng, err := parseRange(*start, *end)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*envFile, "", false, true)
	if err != nil {
		return err
	}

	gw, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer gw.Close()

	r := store.Range{From: rng.Start, To: rng.End}
	daily, err := gw.LoadDaily(ctx, r)
	if err != nil {
		return err
	}
	if len(daily) > *limit {
		daily = daily[len(daily)-*limit:]
	}
	if err := printDaily(out, daily); err != nil {
		return err
	}

	if *domains > 0 {
		counts, err := gw.LoadDomains(ctx, r)
		if err != nil {
			return err
		}
		if err := printDomains(out, counts, *domains); err != nil {
			return err
		}
	}

	if *repeated > 0 {
		top, err := gw.LoadRepeated(ctx, *repeated)
		if err != nil {
			return err
		}
		return printRepeated(out, top)
	}
	return nil
}

func printDaily(out io.Writer, rows []aggregate.DailyMetric) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "date\ttotal\twith_email\tvalid\tvalid%\tinvalid\tdup_extra\tunique\tsendable\topens\tclicks\t")
	for _, m := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%d\t%d\t%d\t%d\t%.0f\t%.0f\t\n",
			m.MetricDate, m.TotalRows, m.WithEmail, m.ValidEmails,
			humanfmt.Percent(m.ValidEmails, m.WithEmail), m.InvalidEmails,
			m.DuplicatesExtraRows, m.UniqueValidEmails, m.SendableEmails,
			m.TotalOpens, m.TotalClicks)
	}
	return w.Flush()
}

// printDomains prints at most perDay domains for each date; counts arrive
// ordered by date then count descending.
func printDomains(out io.Writer, counts []aggregate.DomainDailyCount, perDay int) error {
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "date\tdomain\tcount")
	var (
		cur   aggregate.Date
		shown int
	)
	for i, c := range counts {
		if i == 0 || c.MetricDate != cur {
			cur, shown = c.MetricDate, 0
		}
		if shown >= perDay {
			continue
		}
		shown++
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.MetricDate, c.Domain, c.Count)
	}
	return w.Flush()
}

func printRepeated(out io.Writer, rows []aggregate.RepeatedEmail) error {
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "email\toccurrences\tfirst_seen\tlast_seen")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Email, r.Occurrences, r.FirstSeen, r.LastSeen)
	}
	return w.Flush()
}
