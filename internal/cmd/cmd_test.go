package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasExpectedSubcommands(t *testing.T) {
	expected := []string{
		"version",
		"serve",
		"execute",
		"validate",
		"memory",
		"events",
	}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommandHelpOutput(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--help"})

	err := rootCmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "governs every execution intent")
	assert.Contains(t, output, "serve")
	assert.Contains(t, output, "execute")
}

func TestVersionVarsHaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"single key defaults tenant", "k1", map[string]string{"k1": "default"}},
		{"key with tenant", "k1:acme", map[string]string{"k1": "acme"}},
		{
			"mixed with whitespace",
			" k1:acme , k2 ",
			map[string]string{"k1": "acme", "k2": "default"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseAPIKeys(tt.env))
		})
	}
}

func TestIntentFromFlagsParams(t *testing.T) {
	executeAction = "echo.reply"
	executeTenant = "acme"
	executeParams = []string{"message=hello", "count=3"}
	executeLocale = "en"
	executeConfidence = 0.9
	executeConfirm = true
	executeFile = ""
	t.Cleanup(func() {
		executeAction, executeParams = "", nil
	})

	in, err := intentFromFlags()
	require.NoError(t, err)
	assert.Equal(t, "acme", in.TenantID)
	assert.Equal(t, "echo.reply", in.CanonicalAction)
	assert.Equal(t, "hello", in.Parameters["message"])
	assert.True(t, in.UserConfirmed)
	assert.NotEmpty(t, in.IdempotencyKey)
}

func TestIntentFromFlagsRejectsBadParam(t *testing.T) {
	executeAction = "echo.reply"
	executeParams = []string{"not-a-pair"}
	executeFile = ""
	t.Cleanup(func() {
		executeAction, executeParams = "", nil
	})

	_, err := intentFromFlags()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestIntentFromFlagsRequiresAction(t *testing.T) {
	executeAction = ""
	executeFile = ""
	_, err := intentFromFlags()
	require.Error(t, err)
}

func TestAppRuntimeCloseRunsClosersInReverseOrder(t *testing.T) {
	var order []string
	rt := &appRuntime{closers: []func() error{
		func() error { order = append(order, "opened-first"); return nil },
		func() error { order = append(order, "opened-second"); return nil },
	}}
	rt.Close()
	assert.Equal(t, []string{"opened-second", "opened-first"}, order)
}
