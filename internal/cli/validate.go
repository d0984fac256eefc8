package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"minicdp/internal/decision"
	"minicdp/internal/dsl"
)

// ValidateCommand creates the validate command. It needs no data store:
// validation is purely syntactic.
func ValidateCommand() *cobra.Command {
	var exprType string

	cmd := &cobra.Command{
		Use:   "validate <expression>",
		Short: "Check a trait, segment or flag expression for syntax errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result dsl.ValidationResult
			switch exprType {
			case "trait", "segment":
				result = dsl.Validate(args[0])
			case "flag":
				result = decision.ValidateRule(args[0])
			default:
				return fmt.Errorf("--type must be one of trait, segment, flag")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("expression is invalid")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&exprType, "type", "trait", "Expression dialect: trait, segment or flag")
	return cmd
}
