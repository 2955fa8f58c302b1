// Package audit appends JSONL records of LLM calls, task executions,
// webhook deliveries, and review verdicts to daily files. The sink is
// best-effort: a write failure is logged and never fails the caller.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kiso-project/kiso/pkg/sanitize"
)

// SecretSource returns the secret values to redact at write time. It is
// re-evaluated per entry so reloaded deploy secrets are covered.
type SecretSource func() []string

// Log is the append-only audit sink. Safe for concurrent use.
type Log struct {
	dir     string
	secrets SecretSource

	mu   sync.Mutex
	day  string
	file *os.File
}

// New returns a Log writing under dir (one file per UTC day). secrets may
// be nil when there is nothing to redact.
func New(dir string, secrets SecretSource) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	return &Log{dir: dir, secrets: secrets}, nil
}

// Close releases the current file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

type header struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Session   string `json:"session"`
}

type llmEntry struct {
	header
	Role         string `json:"role"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	DurationMS   int64  `json:"duration_ms"`
	Status       string `json:"status"`
}

type taskEntry struct {
	header
	TaskID       int64  `json:"task_id"`
	TaskType     string `json:"task_type"`
	Detail       string `json:"detail"`
	Status       string `json:"status"`
	DurationMS   int64  `json:"duration_ms"`
	OutputLength int    `json:"output_length"`
}

type webhookEntry struct {
	header
	TaskID   int64  `json:"task_id"`
	URL      string `json:"url"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

type reviewEntry struct {
	header
	TaskID      int64  `json:"task_id"`
	Verdict     string `json:"verdict"`
	HasLearning bool   `json:"has_learning"`
}

// LLMCall records one gateway call. Satisfies llm.Auditor.
func (l *Log) LLMCall(session, role, model, provider string, inputTokens, outputTokens int, duration time.Duration, status string) {
	l.write(llmEntry{
		header:       l.header("llm", session),
		Role:         role,
		Model:        model,
		Provider:     provider,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		DurationMS:   duration.Milliseconds(),
		Status:       status,
	})
}

// Task records one executed task.
func (l *Log) Task(session string, taskID int64, taskType, detail, status string, duration time.Duration, outputLength int) {
	l.write(taskEntry{
		header:       l.header("task", session),
		TaskID:       taskID,
		TaskType:     taskType,
		Detail:       l.redact(detail),
		Status:       status,
		DurationMS:   duration.Milliseconds(),
		OutputLength: outputLength,
	})
}

// Webhook records one delivery outcome.
func (l *Log) Webhook(session string, taskID int64, url, status string, attempts int) {
	l.write(webhookEntry{
		header:   l.header("webhook", session),
		TaskID:   taskID,
		URL:      url,
		Status:   status,
		Attempts: attempts,
	})
}

// Review records one reviewer verdict.
func (l *Log) Review(session string, taskID int64, verdict string, hasLearning bool) {
	l.write(reviewEntry{
		header:      l.header("review", session),
		TaskID:      taskID,
		Verdict:     verdict,
		HasLearning: hasLearning,
	})
}

func (l *Log) header(typ, session string) header {
	return header{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      typ,
		Session:   session,
	}
}

func (l *Log) redact(s string) string {
	if l.secrets == nil {
		return s
	}
	return sanitize.Sanitize(s, l.secrets())
}

func (l *Log) write(entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("Failed to marshal audit entry", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	if l.file == nil || day != l.day {
		if l.file != nil {
			_ = l.file.Close()
		}
		path := filepath.Join(l.dir, day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Error("Failed to open audit file", "path", path, "error", err)
			l.file = nil
			return
		}
		l.file, l.day = f, day
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write audit entry", "error", err)
	}
}
