package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 120 * time.Second

// ClientConfig configures the OpenAI-compatible provider.
type ClientConfig struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1.
	BaseURL string
	// SearchBaseURL serves searcher calls; falls back to BaseURL when empty.
	SearchBaseURL string
	// APIKey is the bearer token.
	APIKey string
	// Timeout per HTTP request. Defaults to 120s.
	Timeout time.Duration
	// Auditor, when set, records every call.
	Auditor Auditor
}

// Client talks to any OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

// NewClient returns a Gateway backed by the chat-completions API.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SearchBaseURL == "" {
		cfg.SearchBaseURL = cfg.BaseURL
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- wire types (subset of the chat-completions API) ---

type chatRequest struct {
	Model            string             `json:"model"`
	Messages         []Message          `json:"messages"`
	ResponseFormat   *responseFormat    `json:"response_format,omitempty"`
	WebSearchOptions *webSearchOptions  `json:"web_search_options,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type webSearchOptions struct {
	SearchContextSize string `json:"search_context_size,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat-completion request and returns the answer text
// with token usage. Structured-output requests set a strict json_schema
// response format so parsing failures surface provider-side.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.complete(ctx, req)

	if c.cfg.Auditor != nil {
		status := "ok"
		inTok, outTok := 0, 0
		if err != nil {
			status = "error"
		} else {
			inTok, outTok = resp.InputTokens, resp.OutputTokens
		}
		c.cfg.Auditor.LLMCall(req.Session, req.Role, req.Model, "openai",
			inTok, outTok, time.Since(start), status)
	}
	return resp, err
}

func (c *Client) complete(ctx context.Context, req Request) (*Response, error) {
	body := chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   req.Schema.Name,
				Strict: true,
				Schema: req.Schema.Schema,
			},
		}
	}
	base := c.cfg.BaseURL
	if req.WebSearch {
		base = c.cfg.SearchBaseURL
		body.WebSearchOptions = &webSearchOptions{}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read llm response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode llm response (status %d): %w", httpResp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("provider error %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices in llm response (status %d)", httpResp.StatusCode)
	}

	return &Response{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// probeSchema is the minimal strict schema used by the startup capability
// probe.
var probeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"ok": {"type": "boolean"}},
	"required": ["ok"],
	"additionalProperties": false
}`)

// Probe verifies that a model accepts strict structured-output requests.
// Called at startup for every role that depends on schema enforcement;
// failure is fatal and names the role in the returned error.
func (c *Client) Probe(ctx context.Context, role, model string) error {
	_, err := c.Complete(ctx, Request{
		Role:  "probe",
		Model: model,
		Messages: []Message{
			{Role: "user", Content: `Reply with {"ok": true}.`},
		},
		Schema: &Schema{Name: "probe", Schema: probeSchema},
	})
	if err != nil {
		return fmt.Errorf("%w: role %s, model %s: %v", ErrProviderUnsupported, role, model, err)
	}
	return nil
}
