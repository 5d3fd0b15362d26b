package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/stream"
	"github.com/c360/espflow/table"
)

type subscribeFlags struct {
	window      string
	output      string
	schema      string
	project     string
	mode        string
	filter      string
	limit       int
	count       uint64
	forDuration time.Duration
	deadline    string
	until       string
	all         bool
	upsert      bool
}

func newSubscribeCommand(a *app) *cobra.Command {
	var f subscribeFlags
	cmd := &cobra.Command{
		Use:   "subscribe --window project/query/window [horizons]",
		Short: "Subscribe to a window and print the cached rows when it stops",
		Long: `Subscribe keeps a local cache of the window's rows until a horizon is met or
the command is interrupted, then prints the cache.

Horizons: --count N applied events, --for DURATION, --deadline RFC3339 time,
--until EXPR (a predicate over the row, e.g. "price > 100 and symbol == 'IBM'").
The subscription stops when any horizon is met, or when all are with --all.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx, a, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.window, "window", "w", "", "Window as project/query/window")
	flags.StringVarP(&f.output, "output", "o", "csv", "Output format: csv, json, xml, properties")
	flags.StringVar(&f.schema, "schema", "", "Expected window schema as a schema string")
	flags.StringVar(&f.project, "project", "", "Project XML holding the window definition")
	flags.StringVar(&f.mode, "mode", "", "Subscription mode: updating or streaming")
	flags.StringVar(&f.filter, "filter", "", "Engine-side filter expression")
	flags.IntVar(&f.limit, "limit", 0, "Keep at most N rows, evicting the oldest")
	flags.Uint64Var(&f.count, "count", 0, "Stop after N applied events")
	flags.DurationVar(&f.forDuration, "for", getEnvDuration("ESPFLOW_SUBSCRIBE_FOR", 0), "Stop after this long")
	flags.StringVar(&f.deadline, "deadline", "", "Stop at this RFC 3339 time")
	flags.StringVar(&f.until, "until", "", "Stop once an applied row matches this predicate")
	flags.BoolVar(&f.all, "all", false, "Stop only when every horizon is met")
	flags.BoolVar(&f.upsert, "upsert", false, "Treat inserts on existing keys as updates")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func (f subscribeFlags) horizons() ([]stream.Horizon, error) {
	var hs []stream.Horizon
	if f.count > 0 {
		hs = append(hs, stream.Count(f.count))
	}
	if f.forDuration > 0 {
		hs = append(hs, stream.After(f.forDuration))
	}
	if f.deadline != "" {
		t, err := time.Parse(time.RFC3339, f.deadline)
		if err != nil {
			return nil, fmt.Errorf("--deadline: %w", err)
		}
		hs = append(hs, stream.Deadline(t))
	}
	if f.until != "" {
		hs = append(hs, stream.Predicate(f.until))
	}
	return hs, nil
}

func runSubscribe(ctx context.Context, a *app, f subscribeFlags) error {
	ep, err := stream.ParseEndpoint(f.window, stream.Subscribe)
	if err != nil {
		return err
	}
	output, err := codec.ParseFormat(f.output)
	if err != nil {
		return err
	}
	projects, err := optionalProjects(f.project)
	if err != nil {
		return err
	}
	sch, err := windowSchema(projects, ep.Path(), f.schema)
	if err != nil {
		return err
	}
	horizons, err := f.horizons()
	if err != nil {
		return err
	}

	opts, err := a.cfg.Subscribe.Options()
	if err != nil {
		return err
	}
	if sch != nil {
		opts = append(opts, stream.WithSchema(sch))
	}
	if f.mode != "" {
		opts = append(opts, stream.WithMode(f.mode))
	}
	if f.filter != "" {
		opts = append(opts, stream.WithFilter(f.filter))
	}
	if f.limit > 0 {
		opts = append(opts, stream.WithLimit(f.limit))
	}
	if f.all {
		opts = append(opts, stream.WithHorizonMode(stream.HorizonAll))
	}
	if f.upsert {
		opts = append(opts, stream.WithDuplicatePolicy(table.Upsert))
	}
	if len(horizons) > 0 {
		opts = append(opts, stream.WithHorizon(horizons...))
	}
	opts = append(opts, stream.WithLogger(a.logger))
	if a.registry != nil {
		opts = append(opts, stream.WithMetrics(a.registry))
	}

	tr, cleanup, err := a.openTransport(ctx, projects)
	if err != nil {
		return err
	}
	defer cleanup()

	snap, reason, err := subscribeUntilStopped(ctx, tr, ep, opts...)
	if err != nil {
		return err
	}
	a.logger.Info("Subscription ended", "window", ep.Path(), "reason", reason, "rows", snap.Len())
	return writeSnapshot(a.out, output, ep.Path(), snap)
}

// subscribeUntilStopped runs one subscription to its end and returns the
// final cache. Cancelling ctx ends the subscription but still yields the rows
// cached so far.
func subscribeUntilStopped(ctx context.Context, tr stream.Transport, ep stream.Endpoint,
	opts ...stream.Option) (*table.Snapshot, stream.StopReason, error) {
	sub, err := stream.NewSubscriber(tr, ep, opts...)
	if err != nil {
		return nil, stream.StopNone, err
	}
	if err := sub.Subscribe(ctx); err != nil {
		return nil, stream.StopNone, err
	}
	defer sub.Unsubscribe()

	<-sub.Done()
	if err := sub.Err(); err != nil {
		return nil, sub.Reason(), err
	}
	return sub.Snapshot(), sub.Reason(), nil
}

func writeSnapshot(w io.Writer, f codec.Format, path string, snap *table.Snapshot) error {
	if snap.Len() == 0 {
		return nil
	}
	data, err := codec.Encode(f, snap.Records(event.Insert), snap.Schema(), codec.WithWindow(path))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
