package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/intent"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an intent without executing it",
	Long: `Runs the full validation pipeline (identity, locale, confidence,
translation status, user confirmation, schema) against an intent built from
the execute flags or a JSON file, and reports the first failing check.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateFile, "file", "", "read the intent from a JSON file (- for stdin)")
	// Reuse the execute flag set so `warden validate --action ... --param ...`
	// mirrors `warden execute`.
	validateCmd.Flags().AddFlagSet(executeCmd.Flags())
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "validate")
	defer span.End()

	if validateFile != "" {
		executeFile = validateFile
	}
	in, err := intentFromFlags()
	if err != nil {
		return err
	}

	if verr := intent.NewValidator().Validate(ctx, in); verr != nil {
		if err := printJSON(cmd, map[string]interface{}{
			"valid":  false,
			"reason": verr.Reason,
			"detail": verr.Detail,
		}); err != nil {
			return err
		}
		return fmt.Errorf("intent invalid: %s", verr.Reason)
	}
	return printJSON(cmd, map[string]interface{}{
		"valid":     true,
		"intent_id": in.IntentID,
	})
}
