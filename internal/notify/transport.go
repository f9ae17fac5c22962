package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lexline/internal/config"
	"lexline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Transport delivers one persisted notification.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, n domain.Notification) error
}

// severityFilter is implemented by transports that only want some severities.
type severityFilter interface {
	Accepts(s domain.Severity) bool
}

// Webhook POSTs notifications to a URL, either as the notification JSON or
// as a Slack block message.
type Webhook struct {
	URL        string
	Format     string
	Secret     string
	Severities map[domain.Severity]bool
	Client     *http.Client
}

func NewWebhook(cfg config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	w := &Webhook{
		URL:    cfg.URL,
		Format: cfg.Format,
		Secret: cfg.Secret,
		Client: &http.Client{Timeout: timeout},
	}
	if len(cfg.Severities) > 0 {
		w.Severities = map[domain.Severity]bool{}
		for _, s := range cfg.Severities {
			if sev, ok := domain.ParseSeverity(s); ok {
				w.Severities[sev] = true
			}
		}
	}
	return w
}

func (w *Webhook) Name() string { return "webhook:" + w.URL }

func (w *Webhook) Accepts(s domain.Severity) bool {
	return len(w.Severities) == 0 || w.Severities[s]
}

func (w *Webhook) Deliver(ctx context.Context, n domain.Notification) error {
	var body any = n
	if w.Format == "slack" {
		body = slackMessageFor(n)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lexline-Notification", n.ID)
	req.Header.Set("X-Lexline-Severity", n.Severity)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Lexline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func slackMessageFor(n domain.Notification) slackMessage {
	target := n.TargetID
	if target == "" {
		target = "everyone"
	}
	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "lexline " + strings.ReplaceAll(n.Type, "_", " ")}},
		{Type: "section", Text: &slackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("%s *[%s]* %s\n_for %s at %s_", severityEmoji(n.Severity), strings.ToUpper(n.Severity), n.Message, target, n.CreatedAt),
		}},
	}}
}

func severityEmoji(s string) string {
	switch domain.Severity(s) {
	case domain.SeverityCritical:
		return "\U0001f6a8"
	case domain.SeverityHigh:
		return "\U0001f534"
	case domain.SeverityMedium:
		return "\U0001f7e1"
	case domain.SeverityLow:
		return "\U0001f535"
	default:
		return "\u2753"
	}
}

// LogTransport writes each notification to a structured logger.
type LogTransport struct {
	Logger *slog.Logger
}

func (LogTransport) Name() string { return "log" }

func (t LogTransport) Deliver(_ context.Context, n domain.Notification) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"id", n.ID,
		"target_id", n.TargetID,
		"severity", n.Severity,
		"type", n.Type,
		"message", n.Message,
	)
	return nil
}

// TransportsFromConfig builds the configured delivery transports.
func TransportsFromConfig(cfg *config.Config, logger *slog.Logger) []Transport {
	if cfg == nil {
		return nil
	}
	var out []Transport
	if cfg.Notifications.LogDeliveries {
		out = append(out, LogTransport{Logger: logger})
	}
	for _, wh := range cfg.Notifications.Webhooks {
		out = append(out, NewWebhook(wh))
	}
	return out
}
