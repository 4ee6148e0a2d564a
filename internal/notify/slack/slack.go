// Package slack posts SLA warnings, breaches and escalations to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/erwatch/internal/tracker"
)

const httpTimeout = 10 * time.Second

// Notifier sends SLA events to a Slack webhook. It implements
// tracker.Publisher.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Publish is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Publish posts ev to the configured Slack webhook.
func (n *Notifier) Publish(ctx context.Context, ev tracker.Event) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(ev))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "event_id", ev.ID, "type", ev.Type)
	return nil
}

func buildMessage(ev tracker.Event) map[string]any {
	return map[string]any{
		"text": fallbackText(ev),
		"blocks": []map[string]any{
			headerBlock(ev),
			{"type": "divider"},
			fieldsBlock(ev),
			contextBlock(ev),
		},
	}
}

func title(ev tracker.Event) string {
	switch ev.Type {
	case tracker.EventSLAWarning:
		return "SLA Warning"
	case tracker.EventSLABreached:
		return "SLA Breached"
	case tracker.EventSLAEscalated:
		return fmt.Sprintf("Escalation L%d", ev.Level)
	}
	return string(ev.Type)
}

func fallbackText(ev tracker.Event) string {
	return fmt.Sprintf("%s: %s %s request %s", title(ev), ev.Priority, ev.RequestType, ev.RequestID)
}

func headerBlock(ev tracker.Event) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s %s", eventEmoji(ev), title(ev), capitalize(string(ev.Priority)), ev.RequestType),
		},
	}
}

func fieldsBlock(ev tracker.Event) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Case:* %s", ev.CaseID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Request:* %s", ev.RequestID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Deadline (%s):* %s", ev.Kind, ev.Deadline.UTC().Format("15:04 UTC"))},
	}

	switch ev.Type {
	case tracker.EventSLAWarning:
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Remaining:* %.0f%% (%s)", ev.Percentage, ev.Status),
		})
	case tracker.EventSLABreached:
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Breached at:* %s", ev.BreachedAt.UTC().Format("15:04:05 UTC")),
		})
	case tracker.EventSLAEscalated:
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Notify:* %s", strings.ReplaceAll(ev.Target, "_", " ")),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(ev tracker.Event) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("erwatch • %s • %s", ev.ID, ev.At.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func eventEmoji(ev tracker.Event) string {
	switch ev.Type {
	case tracker.EventSLAWarning:
		return "\U0001f7e1" // yellow circle
	case tracker.EventSLABreached:
		return "\U0001f534" // red circle
	default:
		return "\U0001f6a8" // rotating light
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
