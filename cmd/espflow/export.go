package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/espflow/dataflow"
)

func newExportCommand(a *app) *cobra.Command {
	var asXML bool
	cmd := &cobra.Command{
		Use:   "export <project.xml>",
		Short: "Print a project's graph as JSON, or its normalized XML",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			projects, err := loadProjects(args[0])
			if err != nil {
				return err
			}
			if asXML {
				var doc []byte
				if len(projects) == 1 {
					doc, err = projects[0].ToXML()
				} else {
					doc, err = dataflow.ProjectsToXML(projects...)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, string(doc))
				return err
			}

			views := make([]dataflow.GraphView, len(projects))
			for i, p := range projects {
				views[i] = p.Export()
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			if len(views) == 1 {
				return enc.Encode(views[0])
			}
			return enc.Encode(views)
		},
	}
	cmd.Flags().BoolVar(&asXML, "xml", false, "Print the normalized project XML instead of the graph")
	return cmd
}
