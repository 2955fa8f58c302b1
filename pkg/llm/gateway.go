// Package llm is the strictly-typed gateway to the model provider. Every
// role pipeline goes through Gateway.Complete; the per-message call budget
// and the startup capability probe live here too.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the gateway.
var (
	// ErrBudgetExceeded means the per-message LLM call budget ran out.
	ErrBudgetExceeded = errors.New("llm call budget exceeded")
	// ErrProviderUnsupported means the provider rejected a structured-output
	// probe at startup.
	ErrProviderUnsupported = errors.New("provider does not support structured output")
)

// Message is one chat message sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema requests provider-side structured output. The raw document must be
// a strict JSON Schema (additionalProperties false, all fields required).
type Schema struct {
	Name   string
	Schema json.RawMessage
}

// Request is one completion call.
type Request struct {
	Session  string
	Role     string
	Model    string
	Messages []Message
	Schema   *Schema
	// WebSearch routes the call to the search-capable endpoint.
	WebSearch bool
}

// Response is the provider's answer plus token accounting.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Gateway abstracts the provider transport.
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Auditor receives one record per completed or failed call.
type Auditor interface {
	LLMCall(session, role, model, provider string, inputTokens, outputTokens int, duration time.Duration, status string)
}

// Budget counts LLM calls made while processing one inbound message. It is
// owned by a single worker and needs no locking.
type Budget struct {
	limit int
	used  int
}

// NewBudget returns a budget allowing limit calls.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Consume takes one call from the budget.
func (b *Budget) Consume() error {
	if b.used >= b.limit {
		return fmt.Errorf("%w: %d calls used", ErrBudgetExceeded, b.used)
	}
	b.used++
	return nil
}

// Used reports how many calls have been consumed.
func (b *Budget) Used() int {
	return b.used
}
