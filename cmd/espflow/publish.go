package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/dataflow"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/schema"
	"github.com/c360/espflow/stream"
)

type publishFlags struct {
	window    string
	file      string
	format    string
	schema    string
	project   string
	opcode    string
	rate      float64
	blockSize int
}

func newPublishCommand(a *app) *cobra.Command {
	var f publishFlags
	cmd := &cobra.Command{
		Use:   "publish --window project/query/window [--file data.csv]",
		Short: "Publish events from a file into a source window",
		Long: `Publish reads events from a file (or stdin) and sends them to a window.

The window schema comes from --schema ("id*:int64,symbol:string,price:double")
or from the window's definition in --project. The file format is taken from
--format, then the file extension, then the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPublish(ctx, a, cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.window, "window", "w", "", "Target window as project/query/window")
	flags.StringVarP(&f.file, "file", "f", "-", "Event file, - for stdin")
	flags.StringVar(&f.format, "format", "", "File format: csv, json, xml, properties")
	flags.StringVar(&f.schema, "schema", "", "Window schema as a schema string")
	flags.StringVar(&f.project, "project", "", "Project XML holding the window definition")
	flags.StringVar(&f.opcode, "opcode", "", "Opcode for rows that carry none")
	flags.Float64Var(&f.rate, "rate", 0, "Maximum events per second, 0 for unpaced")
	flags.IntVar(&f.blockSize, "block-size", 0, "Events per message")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func runPublish(ctx context.Context, a *app, cmd *cobra.Command, f publishFlags) error {
	ep, err := stream.ParseEndpoint(f.window, stream.Publish)
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
	if sch == nil {
		return fmt.Errorf("no schema for %s: pass --schema or --project", ep.Path())
	}

	format, err := fileFormat(f.format, f.file, a.cfg.Publish.Format)
	if err != nil {
		return err
	}

	opts, err := a.cfg.Publish.Options()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("opcode") {
		op, err := event.ParseOpcode(f.opcode)
		if err != nil {
			return err
		}
		opts = append(opts, stream.WithOpcode(op))
	}
	if f.rate > 0 {
		opts = append(opts, stream.WithRate(f.rate))
	}
	if f.blockSize > 0 {
		opts = append(opts, stream.WithBlockSize(f.blockSize))
	}
	opts = append(opts, stream.WithLogger(a.logger))
	if a.registry != nil {
		opts = append(opts, stream.WithMetrics(a.registry))
	}

	var r io.Reader = os.Stdin
	if f.file != "-" {
		file, err := os.Open(f.file)
		if err != nil {
			return err
		}
		defer file.Close()
		r = file
	}

	tr, cleanup, err := a.openTransport(ctx, projects)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := publishFrom(ctx, tr, ep, sch, format, r, opts...)
	if err != nil {
		return err
	}
	a.logger.Info("Published", "window", ep.Path(), "events", n, "format", format)
	return nil
}

// publishFrom sends everything r holds and closes the publisher, returning
// how many events were read.
func publishFrom(ctx context.Context, tr stream.Transport, ep stream.Endpoint, sch *schema.Schema,
	format codec.Format, r io.Reader, opts ...stream.Option) (int, error) {
	pub, err := stream.NewPublisher(ctx, tr, ep, sch, opts...)
	if err != nil {
		return 0, err
	}
	n, err := pub.PublishFrom(ctx, format, r)
	if closeErr := pub.Close(ctx); err == nil {
		err = closeErr
	}
	return n, err
}

func optionalProjects(path string) ([]*dataflow.Project, error) {
	if path == "" {
		return nil, nil
	}
	return loadProjects(path)
}

// windowSchema prefers an explicit schema string over the project definition.
// A nil schema with no error means neither was given.
func windowSchema(projects []*dataflow.Project, path, def string) (*schema.Schema, error) {
	if def != "" {
		return schema.Parse(def)
	}
	if len(projects) == 0 {
		return nil, nil
	}
	for _, p := range projects {
		if w := p.Window(path); w != nil {
			if w.Schema() == nil {
				return nil, fmt.Errorf("window %s has no schema in its definition", path)
			}
			return w.Schema(), nil
		}
	}
	return nil, fmt.Errorf("window %s is not defined in the project file", path)
}

// fileFormat picks the explicit format, then the extension, then fallback.
func fileFormat(explicit, file, fallback string) (codec.Format, error) {
	if explicit != "" {
		return codec.ParseFormat(explicit)
	}
	if ext := strings.TrimPrefix(filepath.Ext(file), "."); ext != "" {
		if f, err := codec.ParseFormat(ext); err == nil {
			return f, nil
		}
	}
	if fallback == "" {
		return codec.CSV, nil
	}
	return codec.ParseFormat(fallback)
}
