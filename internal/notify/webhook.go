package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"clawcontrol/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each event as JSON.
type Webhook struct {
	Hook   config.WebhookConfig
	Client *http.Client
	filter Filter
}

func NewWebhook(hook config.WebhookConfig) *Webhook {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		Hook:   hook,
		Client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		filter: NewFilter(hook.Events),
	}
}

func (w *Webhook) Name() string { return "webhook:" + w.Hook.URL }

func (w *Webhook) Accepts(activityType string) bool { return w.filter.Match(activityType) }

func (w *Webhook) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ClawControl-Event", ev.Type)
	req.Header.Set("X-ClawControl-Delivery", strconv.FormatInt(ev.ID, 10))
	if strings.TrimSpace(w.Hook.Secret) != "" {
		req.Header.Set("X-ClawControl-Secret", w.Hook.Secret)
	}
	res, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Webhooks builds sinks for the enabled hooks in cfg.
func Webhooks(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhook(h))
	}
	return sinks
}
