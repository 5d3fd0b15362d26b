package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/projectstore"
)

func newProjectCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Store and retrieve project definitions in NATS",
	}
	cmd.AddCommand(
		newProjectPushCommand(a),
		newProjectPullCommand(a),
		newProjectListCommand(a),
		newProjectDeleteCommand(a),
	)
	return cmd
}

// withStore connects to NATS, opens the project bucket and runs fn.
func (a *app) withStore(ctx context.Context, fn func(*projectstore.Store) error) error {
	client, err := a.connectNATS(ctx)
	if err != nil {
		return err
	}
	defer a.closeNATS(client)

	store, err := projectstore.NewStore(ctx, client, a.cfg.NATS.ProjectBucket,
		projectstore.WithLogger(a.logger),
		projectstore.WithUser(getEnv("USER", "")))
	if err != nil {
		return err
	}
	return fn(store)
}

func newProjectPushCommand(a *app) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "push <project.xml>",
		Short: "Store a project, or update it with --version",
		Long: `Push validates every project in the file and stores it. A project that
already exists is only replaced when --version names the version being
replaced, so concurrent edits are not lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := loadProjects(args[0])
			if err != nil {
				return err
			}
			if version > 0 && len(projects) != 1 {
				return fmt.Errorf("--version needs a file with exactly one project, got %d", len(projects))
			}
			return a.withStore(cmd.Context(), func(store *projectstore.Store) error {
				for _, p := range projects {
					var (
						rec *projectstore.Record
						err error
					)
					if version > 0 {
						rec, err = store.Update(cmd.Context(), p, version)
					} else {
						rec, err = store.Create(cmd.Context(), p)
					}
					if err != nil {
						return fmt.Errorf("push %s: %w", p.Name(), err)
					}
					fmt.Fprintf(a.out, "%s version %d (%s)\n", rec.Name, rec.Version, rec.Checksum[:12])
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "Replace the stored project if it is still at this version")
	return cmd
}

func newProjectPullCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "pull <name>",
		Short: "Print a stored project's XML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store *projectstore.Store) error {
				rec, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := rec.Verify(); err != nil {
					return err
				}
				if output == "" {
					_, err = fmt.Fprintln(a.out, rec.XML)
					return err
				}
				return os.WriteFile(output, []byte(rec.XML), 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newProjectListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store *projectstore.Store) error {
				records, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVERSION\tQUERIES\tWINDOWS\tUPDATED\tBY")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", r.Name, r.Version, r.Queries, r.Windows,
						r.UpdatedAt.Format(time.RFC3339), r.CreatedBy)
				}
				return tw.Flush()
			})
		},
	}
}

func newProjectDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store *projectstore.Store) error {
				err := store.Delete(cmd.Context(), args[0])
				if stderrors.Is(err, errors.ErrKeyNotFound) {
					return fmt.Errorf("project %s does not exist", args[0])
				}
				return err
			})
		},
	}
}
