package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// webhookQueueSize is the bounded channel capacity for outbound audit events.
	webhookQueueSize = 1024
	webhookUserAgent = "SessionGate-Audit-Webhook/1.0"
	webhookAttempts  = 2
)

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	UserID     string            `json:"user_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// newWebhookEvent flattens audit attributes into the webhook payload. The
// user_id attribute is lifted to its own field.
func newWebhookEvent(event AuditEvent, remote, timestamp string, attrs []slog.Attr) webhookEvent {
	evt := webhookEvent{
		Event:      string(event),
		RemoteAddr: remote,
		Timestamp:  timestamp,
	}
	for _, a := range attrs {
		if a.Key == "user_id" {
			evt.UserID = a.Value.String()
			continue
		}
		if evt.Attrs == nil {
			evt.Attrs = make(map[string]string, len(attrs))
		}
		evt.Attrs[a.Key] = a.Value.String()
	}
	return evt
}

// auditWebhook dispatches audit events to an external HTTP endpoint.
// Events are enqueued into a bounded channel and sent by a background
// goroutine; when the channel is full they are dropped.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value"
	client     *http.Client
	retryDelay time.Duration
	events     chan webhookEvent
	wg         sync.WaitGroup
}

func newAuditWebhook(url, authHeader string) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue never blocks.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		slog.Warn("audit webhook: queue full, dropping event", "event", evt.Event)
	}
}

// close stops accepting events and waits for the queue to drain.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(context.Background(), evt)
	}
}

// send POSTs the event with one retry on 5xx or transport errors.
func (w *auditWebhook) send(ctx context.Context, evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("audit webhook: marshal failed", "error", err)
		return
	}

	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		retry, err := w.post(ctx, body)
		if err == nil {
			return
		}
		slog.Warn("audit webhook: delivery failed", "event", evt.Event, "attempt", attempt, "error", err)
		if !retry {
			return
		}
	}
}

func (w *auditWebhook) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, &webhookStatusError{code: resp.StatusCode}
	default:
		return false, &webhookStatusError{code: resp.StatusCode}
	}
}

type webhookStatusError struct{ code int }

func (e *webhookStatusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}
