package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/config"
)

var (
	apiURL       = flag.String("api", "http://"+config.DefaultListen, "trackd API base URL")
	authKey      = flag.String("auth-key", os.Getenv("FIELDTRACK_API_KEY"), "API key (defaults to $FIELDTRACK_API_KEY)")
	outputFormat = flag.String("format", "standard", "Output format: standard, json")
	timeout      = flag.Duration("timeout", 15*time.Second, "Operation timeout (not applied to watch)")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "trackctl"
	AppVersion = "1.0.0"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] <command>

Commands:
  status   show the tracking session
  flush    submit the last known fix now
  watch    stream status changes
  queue    show retry queue depths

Flags:
`, AppName)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	c := newClient(*apiURL, *authKey, nil)
	if err := runCommand(c, flag.Arg(0), *outputFormat, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(c *client, cmd, format string, out io.Writer) error {
	if cmd == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := c.Watch(ctx, func(s pkg.Status) { printStatus(out, s, format) })
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "status":
		s, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, s, format)
	case "flush":
		r, err := c.Flush(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			return json.NewEncoder(out).Encode(r)
		}
		switch {
		case r.Delivered:
			fmt.Fprintf(out, "Delivered by %s worker\n", r.Worker)
		case r.Queued:
			fmt.Fprintf(out, "Queued by %s worker (%d pending)\n", r.Worker, r.QueueDepth)
		}
	case "queue":
		qs, err := c.Queues(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			return json.NewEncoder(out).Encode(qs)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tDEPTH\tCEILING\tENQUEUED\tEVICTED\tDRAINED")
		for _, q := range qs {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", q.Key, q.Depth, q.Ceiling, q.Enqueued, q.Evicted, q.Drained)
		}
		return tw.Flush()
	default:
		return errors.New("unknown command " + cmd)
	}
	return nil
}

func printStatus(out io.Writer, s pkg.Status, format string) {
	if format == "json" {
		_ = json.NewEncoder(out).Encode(s)
		return
	}
	last := "never"
	if s.LastUpdateAt != nil {
		last = s.LastUpdateAt.Local().Format(time.RFC3339)
	}
	worker := string(s.ActiveWorker)
	if worker == "" {
		worker = "none"
	}
	fmt.Fprintf(out, "mode=%s worker=%s interval=%ds speed=%.1fkm/h battery=%d%% signal=%s %s last=%s\n",
		s.Mode, worker, s.CurrentIntervalSeconds, s.CurrentSpeedKmh, s.BatteryPercent, s.SignalTier, s.StatusTag(), last)
}
