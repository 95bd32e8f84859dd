package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rotortrack/rotortrack/server/internal/config"
)

// deliver sends webhook notifications for a to hooks.
// Errors are logged but do not affect the caller.
func (e *Engine) deliver(ctx context.Context, hooks []config.WebhookConfig, a *Alert) {
	for _, wh := range hooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = e.sendSlack(ctx, url, a)
		case "teams":
			err = e.sendTeams(ctx, url, a)
		case "http":
			err = e.sendHTTP(ctx, url, a)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"bus", a.BusNumber,
				"position", a.Position,
				"err", err,
			)
		} else {
			slog.Debug("alerts: webhook delivered",
				"type", wh.Type,
				"bus", a.BusNumber,
				"state", a.State,
			)
		}
	}
}

func (e *Engine) sendSlack(ctx context.Context, url string, a *Alert) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", stateLabel(a), a.Message),
	})
	return e.post(ctx, url, body)
}

func (e *Engine) sendTeams(ctx context.Context, url string, a *Alert) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a),
		"summary":    a.Message,
		"title":      fmt.Sprintf("Rotor alert: bus %s %s", a.BusNumber, a.Position),
		"text":       fmt.Sprintf("%s %s", stateLabel(a), a.Message),
	}
	body, _ := json.Marshal(payload)
	return e.post(ctx, url, body)
}

func (e *Engine) sendHTTP(ctx context.Context, url string, a *Alert) error {
	body, _ := json.Marshal(map[string]interface{}{"alert": a})
	return e.post(ctx, url, body)
}

func (e *Engine) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func stateLabel(a *Alert) string {
	if a.State == StateResolved {
		return "[RESOLVED]"
	}
	switch a.Severity {
	case SeverityCritical:
		return "[CRITICAL]"
	default:
		return "[WARNING]"
	}
}

func severityColor(a *Alert) string {
	if a.State == StateResolved {
		return "2EB886"
	}
	switch a.Severity {
	case SeverityCritical:
		return "FF4F6A"
	default:
		return "FFAB40"
	}
}
