package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedWebhook struct {
	status   string
	attempts int
}

type fakeAuditor struct {
	records []capturedWebhook
}

func (f *fakeAuditor) Webhook(session string, taskID int64, url, status string, attempts int) {
	f.records = append(f.records, capturedWebhook{status, attempts})
}

func newTestDeliverer(audit Auditor) *Deliverer {
	return &Deliverer{
		Client:  &http.Client{Timeout: 5 * time.Second},
		Audit:   audit,
		Backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
}

func TestDeliver_FirstAttempt(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	audit := &fakeAuditor{}
	d := newTestDeliverer(audit)

	ok := d.Deliver(context.Background(), srv.URL, Payload{
		Session: "s1", TaskID: 4, Content: "two files found", Final: true,
	})
	assert.True(t, ok)
	assert.Equal(t, "msg", got.Type)
	assert.True(t, got.Final)
	require.Len(t, audit.records, 1)
	assert.Equal(t, capturedWebhook{"delivered", 1}, audit.records[0])
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	audit := &fakeAuditor{}
	ok := newTestDeliverer(audit).Deliver(context.Background(), srv.URL, Payload{Session: "s1"})
	assert.True(t, ok)
	assert.Equal(t, 3, hits)
	require.Len(t, audit.records, 1)
	assert.Equal(t, capturedWebhook{"delivered", 3}, audit.records[0])
}

func TestDeliver_TotalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	audit := &fakeAuditor{}
	ok := newTestDeliverer(audit).Deliver(context.Background(), srv.URL, Payload{Session: "s1"})
	assert.False(t, ok)
	require.Len(t, audit.records, 1)
	assert.Equal(t, capturedWebhook{"http 500", 3}, audit.records[0])
}

func TestDeliver_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDeliverer(nil)
	d.Backoff = []time.Duration{time.Hour}
	ok := d.Deliver(ctx, "http://127.0.0.1:1/hook", Payload{Session: "s1"})
	assert.False(t, ok)
}
