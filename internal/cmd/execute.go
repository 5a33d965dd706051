package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/intent"
)

var (
	executeAction       string
	executeTenant       string
	executeObject       string
	executeParams       []string
	executeLocale       string
	executeTargetLocale string
	executeConfidence   float64
	executeConfirm      bool
	executeKey          string
	executeLane         string
	executeFile         string
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run one execution intent through the governance pipeline",
	Long: `Validates, classifies, and executes a single intent, printing the
structured result as JSON. The intent comes from flags or from a JSON file
(--file; "-" reads stdin).`,
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&executeAction, "action", "", "canonical action (e.g. echo.reply)")
	executeCmd.Flags().StringVar(&executeTenant, "tenant", "default", "tenant id")
	executeCmd.Flags().StringVar(&executeObject, "object", "", "canonical object")
	executeCmd.Flags().StringArrayVar(&executeParams, "param", nil, "action parameter as key=value (repeatable)")
	executeCmd.Flags().StringVar(&executeLocale, "locale", "en", "intent locale (BCP-47)")
	executeCmd.Flags().StringVar(&executeTargetLocale, "target-locale", "", "target locale for cross-locale intents")
	executeCmd.Flags().Float64Var(&executeConfidence, "confidence", 1.0, "planner confidence in [0,1]")
	executeCmd.Flags().BoolVar(&executeConfirm, "confirm", false, "mark the intent as user-confirmed")
	executeCmd.Flags().StringVar(&executeKey, "idempotency-key", "", "idempotency key (generated when empty)")
	executeCmd.Flags().StringVar(&executeLane, "lane", "", "pre-assigned risk lane (RED forces escalation)")
	executeCmd.Flags().StringVar(&executeFile, "file", "", "read the intent from a JSON file instead of flags (- for stdin)")
	rootCmd.AddCommand(executeCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "execute")
	defer span.End()

	in, err := intentFromFlags()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res := rt.adapter.Execute(ctx, in)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("intent %s: %s", res.State, res.Reason)
	}
	return nil
}

// intentFromFlags builds the intent from --file when given, flags otherwise.
func intentFromFlags() (*intent.ExecutionIntent, error) {
	if executeFile != "" {
		return intentFromFile(executeFile)
	}
	if executeAction == "" {
		return nil, fmt.Errorf("--action is required (or use --file)")
	}
	in := intent.New(executeTenant, executeAction)
	in.CanonicalObject = executeObject
	in.Locale = executeLocale
	in.TargetLocale = executeTargetLocale
	in.Confidence = executeConfidence
	in.UserConfirmed = executeConfirm
	in.RiskLane = intent.Lane(executeLane)
	if executeKey != "" {
		in.IdempotencyKey = executeKey
	}
	for _, kv := range executeParams {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", kv)
		}
		in.Parameters[key] = value
	}
	return in, nil
}

func intentFromFile(path string) (*intent.ExecutionIntent, error) {
	var reader io.Reader
	if path == "-" {
		reader = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening intent file: %w", err)
		}
		defer f.Close()
		reader = f
	}

	var raw intent.ExecutionIntent
	if err := json.NewDecoder(reader).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding intent: %w", err)
	}
	if raw.TenantID == "" {
		raw.TenantID = executeTenant
	}
	// Fill server-side fields the file may omit.
	in := intent.New(raw.TenantID, raw.CanonicalAction)
	if raw.IntentID != "" {
		in.IntentID = raw.IntentID
	}
	if raw.IdempotencyKey != "" {
		in.IdempotencyKey = raw.IdempotencyKey
	}
	if raw.TraceID != "" {
		in.TraceID = raw.TraceID
	}
	in.CanonicalObject = raw.CanonicalObject
	if raw.Parameters != nil {
		in.Parameters = raw.Parameters
	}
	in.RiskLane = raw.RiskLane
	in.SourceEventID = raw.SourceEventID
	in.UserConfirmed = raw.UserConfirmed
	in.Locale = raw.Locale
	in.TargetLocale = raw.TargetLocale
	in.Confidence = raw.Confidence
	return in, nil
}
