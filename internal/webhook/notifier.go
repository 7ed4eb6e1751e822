// Package webhook pushes trigger events to configured HTTP endpoints. Only
// trigger-category traffic is sent, keeping telemetry out of downstream
// automation systems and avoiding feedback loops.
package webhook

import (
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"signalhub/internal/signal"
)

// Config holds webhook endpoints. TestURL receives a copy of everything sent
// to URL, for wiring up new integrations without touching production.
type Config struct {
	URL     string
	TestURL string
	Timeout time.Duration
}

// Payload is the JSON body posted to each endpoint.
type Payload struct {
	Trigger     signal.TriggerEvent `json:"trigger"`
	SignalEvent *signal.SignalEvent `json:"signal_event,omitempty"`
}

// Notifier posts trigger events to the configured endpoints. Failures and
// non-2xx responses are logged, never retried here.
type Notifier struct {
	client  *resty.Client
	primary string
	test    string
	logger  *slog.Logger
}

// New creates a notifier. A zero timeout defaults to 10 seconds.
func New(cfg Config, logger *slog.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Notifier{
		client:  client,
		primary: cfg.URL,
		test:    cfg.TestURL,
		logger:  logger.With("component", "webhook"),
	}
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n.primary != "" || n.test != ""
}

// NotifyTrigger posts a trigger event (and its source signal event, when it
// has one) to the configured endpoints.
func (n *Notifier) NotifyTrigger(trigger signal.TriggerEvent, source *signal.SignalEvent) {
	payload := Payload{Trigger: trigger, SignalEvent: source}
	if n.primary != "" {
		n.post(n.primary, trigger.ID, payload)
	}
	if n.test != "" {
		n.post(n.test, trigger.ID, payload)
	}
}

func (n *Notifier) post(url, triggerID string, payload Payload) {
	resp, err := n.client.R().SetBody(payload).Post(url)
	if err != nil {
		n.logger.Warn("webhook post failed", "url", url, "trigger", triggerID, "err", err)
		return
	}
	if !resp.IsSuccess() {
		n.logger.Warn("webhook rejected", "url", url, "trigger", triggerID, "status", resp.StatusCode())
	}
}
