package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tzrecur/internal/app"
	"tzrecur/pkg/logx"
)

const usage = `usage: tzrecur [-config path] [-now RFC3339] <command> [args]

commands:
  next   -interval I -offset O [-tz Z] [-n N]   preview occurrences (no storage)
  rrule  -interval I -offset O [-tz Z]          print the RFC 5545 rule
  sync                                          create declared recurrences
  list                                          show declared recurrences
  due                                           show recurrences due now
  advance <id>                                  move a recurrence past now
  check <id> <object>...                        report due objects under id
  ack <id> <object>                             move an object's sub-recurrence past now
  run                                           fire occurrences until signaled
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tzrecur", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	cfgPath := fs.String("config", "./tzrecur.yaml", "path to config yaml/json")
	nowRaw := fs.String("now", "", "evaluate at this instant instead of the wall clock (RFC3339)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	now := time.Now().UTC()
	if *nowRaw != "" {
		t, err := time.Parse(time.RFC3339, *nowRaw)
		if err != nil {
			fmt.Fprintln(stderr, "invalid -now:", err)
			return 2
		}
		now = t.UTC()
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	out := &cli{stdout: stdout, stderr: stderr, now: now}

	// Pure commands need no config or storage.
	switch cmd {
	case "next":
		return out.exit(out.next(rest))
	case "rrule":
		return out.exit(out.rrule(rest))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintln(stderr, "close:", err)
		}
	}()
	out.app = a

	switch cmd {
	case "sync":
		return out.exit(out.sync(ctx))
	case "list":
		return out.exit(out.list(ctx))
	case "due":
		return out.exit(out.due(ctx))
	case "advance":
		return out.exit(out.advance(ctx, rest))
	case "check":
		return out.exit(out.check(ctx, rest))
	case "ack":
		return out.exit(out.ack(ctx, rest))
	case "run":
		return out.exit(serve(ctx, a, stdout))
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

// serve runs the app until ctx is canceled or a fatal error occurs. Each
// fired occurrence is printed as one line.
func serve(ctx context.Context, a *app.App, stdout io.Writer) error {
	log := a.Logger()
	occs, unsub := a.Occurrences(64)
	defer unsub()
	go func() {
		for occ := range occs {
			fmt.Fprintf(stdout, "%s\t%s\tdue=%s\tnext=%s\n",
				occ.ID, occ.Scheduled.Format(time.RFC3339), strings.Join(occ.Due, ","), occ.Next.Format(time.RFC3339))
		}
	}()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	notify(log, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	notify(log, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
