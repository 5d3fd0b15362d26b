package main

import (
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/espflow/errors"
)

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <project.xml>...",
		Short: "Parse project definitions and report every violation",
		Long: `Parse one or more project or engine XML documents and validate each project:
unique names, edges between existing windows, no cycles, required window
parameters, and edge roles the target window accepts.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				n, err := validateFile(a, path)
				if err != nil {
					return err
				}
				failed += n
			}
			if failed > 0 {
				return fmt.Errorf("%d project(s) failed validation", failed)
			}
			return nil
		},
	}
}

// validateFile prints one line per project and one per violation, returning
// how many projects failed.
func validateFile(a *app, path string) (int, error) {
	projects, err := loadProjects(path)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	failed := 0
	for _, p := range projects {
		err := p.Validate()
		if err == nil {
			fmt.Fprintf(a.out, "%s: project %s is valid (%d queries)\n", path, p.Name(), len(p.Queries()))
			continue
		}
		failed++

		var gve *errors.GraphValidationError
		if !stderrors.As(err, &gve) {
			return failed, err
		}
		fmt.Fprintf(a.out, "%s: project %s has %d violation(s)\n", path, p.Name(), len(gve.Violations))
		for _, v := range gve.Violations {
			fmt.Fprintf(a.out, "  %s\n", v.String())
		}
		a.logger.Debug("Validation failed", "project", p.Name(), "kinds", gve.Kinds())
	}
	return failed, nil
}
