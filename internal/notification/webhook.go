package notification

import (
	"context"
	"log"
	"net/http"
	"time"
)

// WebhookNotifier posts alerts as JSON to an HTTP endpoint. Alerts below
// MinLevel are dropped.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time

	MinLevel AlertLevel
	Attempts int
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		MinLevel: AlertInfo,
		Attempts: 3,
	}
}

type webhookPayload struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      string            `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if !alert.Level.AtLeast(w.MinLevel) {
		return nil
	}
	err := postJSON(ctx, w.client, "webhook", w.url, webhookPayload{
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Fields:  alert.Fields,
		TS:      w.now().UTC().Format(time.RFC3339Nano),
	}, w.Attempts)
	if err != nil {
		return err
	}
	log.Printf("[webhook] sent %s alert: %s", alert.Level, alert.Title)
	return nil
}
