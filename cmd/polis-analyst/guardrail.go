package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-analyst/pkg/audit"
	"github.com/polisai/polis-analyst/pkg/config"
	"github.com/polisai/polis-analyst/pkg/logging"
)

func newGuardrailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardrail [text...]",
		Short: "Screen text with the guardrail rules and print the decision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			rules, _ := cmd.Flags().GetString("rules")
			logger := logging.NewLogger(logging.Config{Level: level})

			guard, err := newGuardrail(cmd.Context(), config.GuardrailConfig{RulesFile: rules}, audit.NewMemoryLog(), logger)
			if err != nil {
				return err
			}
			decision := guard.Evaluate(cmd.Context(), "cli", strings.Join(args, " "))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}
	cmd.Flags().String("rules", "", "Guardrail rule file replacing the defaults")
	return cmd
}
