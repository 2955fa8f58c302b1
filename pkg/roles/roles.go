// Package roles implements the eight role pipelines. Each role assembles
// its context from the pieces it is allowed to see, calls the LLM gateway,
// and parses or validates the output. Prompts load per call from the
// instance roles/ directory so an admin can override them; the defaults
// ship embedded.
package roles

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiso-project/kiso/pkg/llm"
)

// Role names. Each maps to a prompt file and a configured model.
const (
	RolePlanner     = "planner"
	RoleReviewer    = "reviewer"
	RoleTranslator  = "translator"
	RoleMessenger   = "messenger"
	RoleSearcher    = "searcher"
	RoleSummarizer  = "summarizer"
	RoleCurator     = "curator"
	RoleParaphraser = "paraphraser"
)

//go:embed prompts/*.md
var defaultPrompts embed.FS

// ModelResolver maps a role name to the model configured for it.
type ModelResolver interface {
	ModelFor(role string) string
}

// Runner executes role calls against the gateway. One Runner is shared by
// all workers; it holds no per-call state.
type Runner struct {
	Gateway    llm.Gateway
	Models     ModelResolver
	PromptDir  string
	MaxRetries int
}

// prompt returns the system prompt for a role: the admin override from the
// instance roles/ directory when present, the embedded default otherwise.
func (r *Runner) prompt(role string) (string, error) {
	if r.PromptDir != "" {
		data, err := os.ReadFile(filepath.Join(r.PromptDir, role+".md"))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read prompt for role %s: %w", role, err)
		}
	}
	data, err := defaultPrompts.ReadFile("prompts/" + role + ".md")
	if err != nil {
		return "", fmt.Errorf("no default prompt for role %s: %w", role, err)
	}
	return string(data), nil
}

// complete consumes one budget slot and performs a gateway call for a role.
func (r *Runner) complete(ctx context.Context, budget *llm.Budget, session, role string, schema *llm.Schema, user string, webSearch bool) (*llm.Response, error) {
	if err := budget.Consume(); err != nil {
		return nil, err
	}
	system, err := r.prompt(role)
	if err != nil {
		return nil, err
	}
	return r.Gateway.Complete(ctx, llm.Request{
		Session: session,
		Role:    role,
		Model:   r.Models.ModelFor(role),
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Schema:    schema,
		WebSearch: webSearch,
	})
}

// section formats one labelled block of a role context. Empty bodies are
// dropped entirely so prompts stay compact.
func section(title, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "## " + title + "\n\n" + body + "\n\n"
}

func joinSections(sections ...string) string {
	var b strings.Builder
	for _, s := range sections {
		b.WriteString(s)
	}
	return strings.TrimSpace(b.String())
}
