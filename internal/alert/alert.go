// Package alert pushes error cards to a chat webhook when a workflow
// step fails, so operators see broken automations without tailing logs.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowdesk/flowdesk/internal/log"
)

// StepFailure carries everything the card shows about a failed step.
type StepFailure struct {
	Tenant      string
	ActivityKey int64
	Protocol    string
	NodeType    string
	NodeName    string
	LastUser    string
	Err         error
}

type Notifier interface {
	NotifyStepFailure(ctx context.Context, failure StepFailure)
}

// WebhookNotifier posts embed-style cards to a chat webhook. Delivery is
// best effort; failures are logged and never propagate to the caller.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

var _ Notifier = &WebhookNotifier{}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) NotifyStepFailure(ctx context.Context, failure StepFailure) {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("Step failed: %s", failure.NodeName),
				"description": failure.Err.Error(),
				"color":       0xE74C3C,
				"fields": []map[string]any{
					{"name": "Tenant", "value": failure.Tenant, "inline": true},
					{"name": "Node type", "value": failure.NodeType, "inline": true},
					{"name": "Protocol", "value": failure.Protocol, "inline": true},
					{"name": "Activity", "value": fmt.Sprintf("%d", failure.ActivityKey), "inline": true},
					{"name": "Last user", "value": failure.LastUser, "inline": true},
				},
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("failed to encode alert card: %s", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Error("failed to build alert request: %s", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Error("failed to deliver alert card: %s", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error("alert webhook returned %d", resp.StatusCode)
	}
}

// NoopNotifier is used when no webhook is configured.
type NoopNotifier struct{}

var _ Notifier = NoopNotifier{}

func (NoopNotifier) NotifyStepFailure(ctx context.Context, failure StepFailure) {}
