package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookTransport delivers signals to a downstream workflow runtime over
// HTTP. The runtime is expected to treat (workflowId, name, payload) as a
// signal-with-start and to deduplicate redeliveries itself.
type WebhookTransport struct {
	url    string
	client *http.Client
}

func NewWebhookTransport(url string) *WebhookTransport {
	return &WebhookTransport{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookEnvelope struct {
	WorkflowID string          `json:"workflowId"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
}

func (t *WebhookTransport) Deliver(ctx context.Context, workflowID, name string, payload []byte) error {
	body, err := json.Marshal(webhookEnvelope{
		WorkflowID: workflowID,
		Name:       name,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode signal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver signal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal delivery returned status %d", resp.StatusCode)
	}
	return nil
}

// LogTransport logs delivered signals instead of sending them anywhere.
// Useful when no workflow runtime is configured.
type LogTransport struct {
	log *zap.Logger
}

func NewLogTransport(log *zap.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Deliver(_ context.Context, workflowID, name string, payload []byte) error {
	t.log.Info("Signal delivered",
		zap.String("workflow_id", workflowID),
		zap.String("signal", name),
		zap.ByteString("payload", payload))
	return nil
}
