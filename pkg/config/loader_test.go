package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config.toml into a temp dir and returns the dir.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
	return dir
}

const minimalConfig = `
[llm.models]
planner = "gpt-5"
reviewer = "gpt-5-mini"
messenger = "gpt-5-mini"
curator = "gpt-5-mini"

[tokens.cli]
token = "cli-token-0123456789abcdef"

[users.alice]
role = "admin"
skills = ["*"]
`

func TestInitialize_Minimal(t *testing.T) {
	dir := writeConfig(t, minimalConfig)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	// Defaults are merged for everything unset.
	assert.Equal(t, ":8420", cfg.Server.ListenAddr)
	assert.Equal(t, dir, cfg.Paths.DataDir)
	assert.Equal(t, 5, cfg.Limits.MaxReplanDepth)
	assert.Equal(t, 200, cfg.Limits.MaxLLMCallsPerMessage)
	assert.Equal(t, 1<<20, cfg.Limits.MaxOutputBytes)
	assert.Equal(t, "gpt-5", cfg.LLM.Models.Planner)
}

func TestInitialize_MissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitialize_UserLimitsOverrideDefaults(t *testing.T) {
	dir := writeConfig(t, minimalConfig+`
[limits]
max_replan_depth = 2
exec_timeout_secs = 30
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Limits.MaxReplanDepth)
	assert.Equal(t, 30, cfg.Limits.ExecTimeoutSecs)
	// Unset values still default.
	assert.Equal(t, 3, cfg.Limits.MaxValidationRetries)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("KISO_TEST_TOKEN", "env-token-0123456789abcdef")
	dir := writeConfig(t, `
[llm.models]
planner = "gpt-5"
reviewer = "gpt-5"
messenger = "gpt-5"
curator = "gpt-5"

[tokens.cli]
token = "{{.KISO_TEST_TOKEN}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "env-token-0123456789abcdef", cfg.Tokens["cli"].Token)
}

func TestInitialize_RejectsShortToken(t *testing.T) {
	dir := writeConfig(t, `
[llm.models]
planner = "gpt-5"
reviewer = "gpt-5"
messenger = "gpt-5"
curator = "gpt-5"

[tokens.cli]
token = "short"
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 16 characters")
}

func TestInitialize_RejectsMissingPlannerModel(t *testing.T) {
	dir := writeConfig(t, `
[llm.models]
reviewer = "gpt-5"
messenger = "gpt-5"
curator = "gpt-5"
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planner")
}

func TestResolveUser_DirectAndAlias(t *testing.T) {
	cfg := &Config{
		Users: map[string]User{
			"alice": {
				Role:    "admin",
				Skills:  []string{"*"},
				Aliases: map[string][]string{"matrix": {"@alice:example.org"}},
			},
		},
	}

	name, ok := cfg.ResolveUser("matrix", "alice")
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	name, ok = cfg.ResolveUser("matrix", "@alice:example.org")
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	// Alias bound to another connector's namespace does not resolve.
	_, ok = cfg.ResolveUser("slack", "@alice:example.org")
	assert.False(t, ok)

	_, ok = cfg.ResolveUser("matrix", "mallory")
	assert.False(t, ok)
}

func TestUserAllowsSkill(t *testing.T) {
	u := User{Skills: []string{"weather", "deploy"}}
	assert.True(t, u.AllowsSkill("weather"))
	assert.False(t, u.AllowsSkill("nuke"))

	wildcard := User{Skills: []string{"*"}}
	assert.True(t, wildcard.AllowsSkill("anything"))
}

func TestSessionIDPattern(t *testing.T) {
	assert.True(t, SessionIDPattern.MatchString("s1"))
	assert.True(t, SessionIDPattern.MatchString("team@host.example-1_x"))
	assert.False(t, SessionIDPattern.MatchString(""))
	assert.False(t, SessionIDPattern.MatchString("bad/session"))
	assert.False(t, SessionIDPattern.MatchString("has space"))
}
