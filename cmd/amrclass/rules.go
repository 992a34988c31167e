package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/amrclass/internal/domain"
	"github.com/opensource-finance/amrclass/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect breakpoint rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [path...]",
	Short: "Load rule files and report every problem found",
	Long: `Loads the given files or directories (default: rules.paths from config)
exactly as the server would and prints the resulting version, rule count
and warnings. Exits non-zero when the ruleset would be rejected.`,
	RunE: runRulesValidate,
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	rulesCfg := cfg.Rules
	if len(args) > 0 {
		rulesCfg.Paths = args
	}

	rs, err := rules.NewLoader(rulesCfg).Load(cmd.Context())
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Version:  %s\n", rs.Version)
	fmt.Fprintf(out, "Rules:    %d\n", len(rs.Rules))
	fmt.Fprintf(out, "Sources:  %s\n", strings.Join(rs.Sources, ", "))
	if len(rs.Warnings) > 0 {
		fmt.Fprintf(out, "Warnings: (%d)\n", len(rs.Warnings))
		for _, w := range rs.Warnings {
			fmt.Fprintf(out, "  %s\n", w)
		}
	}
	return nil
}

// describeError expands validation errors into one issue per line.
func describeError(err error) error {
	var rerr *domain.RulesValidationError
	var verr *domain.ValidationError
	var issues []domain.Issue
	switch {
	case errors.As(err, &rerr):
		issues = rerr.Issues
	case errors.As(err, &verr):
		issues = verr.Issues
	default:
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d problem(s) found:", len(issues))
	for _, issue := range issues {
		b.WriteString("\n  ")
		b.WriteString(issue.String())
	}
	return errors.New(b.String())
}
