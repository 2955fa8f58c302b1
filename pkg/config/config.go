// Package config loads and validates the instance configuration.
package config

import (
	"path/filepath"
	"regexp"
	"time"
)

// SessionIDPattern is the accepted shape of a session identifier.
var SessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_@.-]{1,255}$`)

// Config is the immutable, validated process configuration.
type Config struct {
	Server Server `toml:"server"`
	Paths  Paths  `toml:"paths"`
	LLM    LLM    `toml:"llm"`
	Limits Limits `toml:"limits"`
	Exec   Exec   `toml:"exec"`

	// Tokens maps a connector token name to its definition.
	Tokens map[string]Token `toml:"tokens"`
	// Users maps a canonical user name to its definition.
	Users map[string]User `toml:"users"`
}

// Server holds HTTP surface settings.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
	// BaseURL is the externally reachable base URL, used when rendering
	// published-file links.
	BaseURL string `toml:"base_url"`
	// WebhookAllowHosts bypasses the private-CIDR webhook check for the
	// named hosts.
	WebhookAllowHosts []string `toml:"webhook_allow_hosts"`
}

// Paths holds the instance directory layout. Everything lives under DataDir:
// store.db, .env, audit/, roles/, skills/, sessions/.
type Paths struct {
	DataDir string `toml:"data_dir"`
}

// StorePath is the sqlite database file.
func (p Paths) StorePath() string { return filepath.Join(p.DataDir, "store.db") }

// EnvPath is the deploy-secret env file.
func (p Paths) EnvPath() string { return filepath.Join(p.DataDir, ".env") }

// AuditDir holds the daily JSONL audit logs.
func (p Paths) AuditDir() string { return filepath.Join(p.DataDir, "audit") }

// RolesDir holds per-role prompt overrides.
func (p Paths) RolesDir() string { return filepath.Join(p.DataDir, "roles") }

// SkillsDir holds installed skills, one directory each.
func (p Paths) SkillsDir() string { return filepath.Join(p.DataDir, "skills") }

// SessionsDir holds per-session workspaces.
func (p Paths) SessionsDir() string { return filepath.Join(p.DataDir, "sessions") }

// LLM holds provider endpoints and the role→model mapping.
type LLM struct {
	BaseURL string `toml:"base_url"`
	// APIKeyEnv names the environment variable carrying the provider key.
	APIKeyEnv string `toml:"api_key_env"`
	// SearchBaseURL overrides BaseURL for the searcher role (a provider
	// with online-web capability). Empty means BaseURL.
	SearchBaseURL string `toml:"search_base_url"`

	Models Models `toml:"models"`
}

// Models maps each role to its model identifier.
type Models struct {
	Planner    string `toml:"planner"`
	Reviewer   string `toml:"reviewer"`
	Messenger  string `toml:"messenger"`
	Searcher   string `toml:"searcher"`
	Summarizer string `toml:"summarizer"`
	Curator    string `toml:"curator"`
	Paraphrase string `toml:"paraphraser"`
}

// Limits groups the runtime budgets and thresholds.
type Limits struct {
	MaxReplanDepth        int     `toml:"max_replan_depth"`
	MaxValidationRetries  int     `toml:"max_validation_retries"`
	MaxLLMCallsPerMessage int     `toml:"max_llm_calls_per_message"`
	ExecTimeoutSecs       int     `toml:"exec_timeout_secs"`
	MaxOutputBytes        int     `toml:"max_output_bytes"`
	WorkerIdleTimeoutSecs int     `toml:"worker_idle_timeout_secs"`
	QueueSize             int     `toml:"queue_size"`
	SummarizeThreshold    int     `toml:"summarize_threshold"`
	KnowledgeMaxFacts     int     `toml:"knowledge_max_facts"`
	FactDecayDays         int     `toml:"fact_decay_days"`
	FactDecayRate         float64 `toml:"fact_decay_rate"`
	FactArchiveThreshold  float64 `toml:"fact_archive_threshold"`
}

// ExecTimeout returns the exec/skill subprocess time limit.
func (l Limits) ExecTimeout() time.Duration {
	return time.Duration(l.ExecTimeoutSecs) * time.Second
}

// WorkerIdleTimeout returns how long an idle worker lingers before exit.
func (l Limits) WorkerIdleTimeout() time.Duration {
	return time.Duration(l.WorkerIdleTimeoutSecs) * time.Second
}

// Exec controls how task subprocesses are launched for non-admin callers.
type Exec struct {
	// Wrapper prefixes the subprocess argv so the command runs as the
	// session's restricted OS user; "{session}" expands to the session id,
	// e.g. ["sudo", "-u", "kiso-{session}"]. Empty runs directly, which is
	// only safe for admin-only deployments.
	Wrapper []string `toml:"wrapper"`
}

// Token is a named bearer token for one connector.
type Token struct {
	Token string `toml:"token"`
	Admin bool   `toml:"admin"`
}

// User is a whitelisted caller with a role and a skill grant.
type User struct {
	// Role is "admin" or "user". Admin callers bypass the restricted-user
	// execution policy (the deny list still applies).
	Role string `toml:"role"`
	// Skills lists the skill names the user may invoke. "*" grants all.
	Skills []string `toml:"skills"`
	// Aliases maps a connector name to the external identities that
	// resolve to this user.
	Aliases map[string][]string `toml:"aliases"`
}

// IsAdmin reports whether the user carries the admin role.
func (u User) IsAdmin() bool { return u.Role == "admin" }

// AllowsSkill reports whether the user may invoke the named skill.
func (u User) AllowsSkill(name string) bool {
	for _, s := range u.Skills {
		if s == "*" || s == name {
			return true
		}
	}
	return false
}

// ResolveUser maps an external identity, as seen through the named
// connector, to a canonical user name. The second return is false when the
// identity is not whitelisted.
func (c *Config) ResolveUser(connector, identity string) (string, bool) {
	if _, ok := c.Users[identity]; ok {
		return identity, true
	}
	for name, u := range c.Users {
		for _, alias := range u.Aliases[connector] {
			if alias == identity {
				return name, true
			}
		}
	}
	return "", false
}

// TokenByValue returns the token name matching the presented bearer value.
func (c *Config) TokenByValue(value string) (string, Token, bool) {
	for name, t := range c.Tokens {
		if t.Token != "" && t.Token == value {
			return name, t, true
		}
	}
	return "", Token{}, false
}

// ModelFor returns the model configured for a role name. Unknown roles fall
// back to the messenger model.
func (m Models) ModelFor(role string) string {
	switch role {
	case "planner":
		return m.Planner
	case "reviewer":
		return m.Reviewer
	case "searcher":
		return m.Searcher
	case "summarizer":
		return m.Summarizer
	case "curator":
		return m.Curator
	case "paraphraser":
		return m.Paraphrase
	default:
		return m.Messenger
	}
}
