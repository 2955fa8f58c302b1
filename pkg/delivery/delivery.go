// Package delivery posts msg task outputs to session webhooks with bounded
// retry. Delivery is best-effort: total failure is logged and audited, and
// the /status endpoint remains the recovery channel.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Payload is the webhook callback body.
type Payload struct {
	Session string `json:"session"`
	TaskID  int64  `json:"task_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// Auditor records delivery outcomes.
type Auditor interface {
	Webhook(session string, taskID int64, url, status string, attempts int)
}

// Deliverer posts payloads with retry.
type Deliverer struct {
	Client  *http.Client
	Audit   Auditor
	Backoff []time.Duration
}

// New returns a Deliverer with the production retry schedule.
func New(audit Auditor) *Deliverer {
	return &Deliverer{
		Client:  &http.Client{Timeout: 30 * time.Second},
		Audit:   audit,
		Backoff: []time.Duration{time.Second, 3 * time.Second, 9 * time.Second},
	}
}

// Deliver posts one msg payload. Each attempt waits its backoff slot first;
// a 2xx response ends the sequence. Returns whether delivery succeeded.
func (d *Deliverer) Deliver(ctx context.Context, webhook string, p Payload) bool {
	p.Type = "msg"
	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("Failed to marshal webhook payload", "session", p.Session, "error", err)
		return false
	}

	attempts := 0
	status := ""
	for _, wait := range d.Backoff {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			d.record(p, webhook, "cancelled", attempts)
			return false
		}

		attempts++
		status = d.post(ctx, webhook, body)
		if status == "delivered" {
			d.record(p, webhook, status, attempts)
			return true
		}
		slog.Warn("Webhook delivery attempt failed",
			"session", p.Session, "task_id", p.TaskID, "attempt", attempts, "status", status)
	}

	slog.Error("Webhook delivery abandoned",
		"session", p.Session, "task_id", p.TaskID, "attempts", attempts)
	d.record(p, webhook, status, attempts)
	return false
}

func (d *Deliverer) post(ctx context.Context, webhook string, body []byte) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return "invalid url"
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return "unreachable"
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return "delivered"
	}
	return fmt.Sprintf("http %d", resp.StatusCode)
}

func (d *Deliverer) record(p Payload, webhook, status string, attempts int) {
	if d.Audit != nil {
		d.Audit.Webhook(p.Session, p.TaskID, webhook, status, attempts)
	}
}
