package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"tzrecur/internal/app"
	"tzrecur/pkg/logx"
	"tzrecur/pkg/recurrence"
)

type cli struct {
	stdout io.Writer
	stderr io.Writer
	now    time.Time
	app    *app.App
}

var errUsage = errors.New("usage")

func (c *cli) exit(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(c.stderr, err)
		return 2
	default:
		fmt.Fprintln(c.stderr, "error:", err)
		return 1
	}
}

func (c *cli) when(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.RelTime(t, c.now, "ago", "from now"))
}

// defFlags parses the definition flags shared by next and rrule.
func defFlags(name string, args []string, stderr io.Writer, extra func(fs *flag.FlagSet)) (recurrence.Definition, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	interval := fs.String("interval", "", "daily, weekly, monthly, quarterly or yearly")
	offset := fs.String("offset", "", `offset into the interval ("15h" or "3 days, 17:30:00")`)
	zone := fs.String("tz", "UTC", "IANA timezone")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return recurrence.Definition{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	if *interval == "" {
		return recurrence.Definition{}, fmt.Errorf("%w: %s requires -interval", errUsage, name)
	}
	iv, err := recurrence.ParseInterval(*interval)
	if err != nil {
		return recurrence.Definition{}, err
	}
	off, err := recurrence.ParseOffset(*offset)
	if err != nil {
		return recurrence.Definition{}, err
	}
	return recurrence.Definition{Interval: iv, Offset: off, Timezone: *zone}, nil
}

func (c *cli) calculator() *recurrence.Calculator {
	return recurrence.NewCalculator(nil, logx.NewConsole(c.stderr, "warn"))
}

func (c *cli) next(args []string) error {
	var n int
	def, err := defFlags("next", args, c.stderr, func(fs *flag.FlagSet) {
		fs.IntVar(&n, "n", 5, "number of occurrences")
	})
	if err != nil {
		return err
	}
	calc := c.calculator()
	zone, err := calc.Zone(def)
	if err != nil {
		return err
	}
	times, err := calc.Upcoming(c.now, def, n)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UTC\tLOCAL\tIN")
	for _, t := range times {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			t.Format(time.RFC3339),
			t.In(zone.Location()).Format("2006-01-02 15:04:05 MST"),
			humanize.RelTime(t, c.now, "ago", "from now"))
	}
	return tw.Flush()
}

func (c *cli) rrule(args []string) error {
	def, err := defFlags("rrule", args, c.stderr, nil)
	if err != nil {
		return err
	}
	r, err := c.calculator().RRule(c.now, def)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, r.String())
	return err
}

func (c *cli) sync(ctx context.Context) error {
	recs, err := c.app.Sync(ctx, c.app.Config(), c.now)
	for _, rec := range recs {
		fmt.Fprintf(c.stdout, "%s\tnext %s\n", rec.ID, c.when(rec.Next))
	}
	return err
}

func (c *cli) list(ctx context.Context) error {
	cfg := c.app.Config()
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINTERVAL\tOFFSET\tTZ\tNEXT\tTRACKED")
	for _, rc := range cfg.Recurrences {
		id := strings.TrimSpace(rc.ID)
		rec, err := c.app.Manager().Get(ctx, id)
		if errors.Is(err, recurrence.ErrNotFound) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\tnot synced\t%d\n", id, rc.Interval, rc.Offset, rc.Timezone, len(rc.Track))
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			rec.ID, rec.Interval, recurrence.FormatOffset(rec.Offset), rec.Timezone, c.when(rec.Next), len(rc.Track))
	}
	return tw.Flush()
}

func (c *cli) due(ctx context.Context) error {
	recs, err := c.app.Manager().ListDue(ctx, c.now)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Fprintf(c.stdout, "%s\tdue since %s\n", rec.ID, c.when(rec.Next))
	}
	fmt.Fprintf(c.stdout, "%s due\n", humanize.Comma(int64(len(recs))))
	return nil
}

func (c *cli) base(ctx context.Context, args []string, min int, usage string) (*recurrence.Record, error) {
	if len(args) < min {
		return nil, fmt.Errorf("%w: %s", errUsage, usage)
	}
	return c.app.Manager().Get(ctx, args[0])
}

func (c *cli) advance(ctx context.Context, args []string) error {
	rec, err := c.base(ctx, args, 1, "advance <id>")
	if err != nil {
		return err
	}
	next, err := c.app.Manager().UpdateSchedule(ctx, rec, c.now)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.stdout, "%s\tnext %s\n", rec.ID, c.when(next))
	return err
}

func (c *cli) check(ctx context.Context, args []string) error {
	rec, err := c.base(ctx, args, 2, "check <id> <object>...")
	if err != nil {
		return err
	}
	due, err := c.app.Manager().CheckDue(ctx, rec, args[1:], c.now)
	if err != nil {
		return err
	}
	for _, obj := range due {
		fmt.Fprintln(c.stdout, obj)
	}
	return nil
}

func (c *cli) ack(ctx context.Context, args []string) error {
	rec, err := c.base(ctx, args, 2, "ack <id> <object>")
	if err != nil {
		return err
	}
	next, err := c.app.Manager().UpdateSubSchedule(ctx, rec, args[1], c.now)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.stdout, "%s/%s\tnext %s\n", rec.ID, args[1], c.when(next))
	return err
}
