// Package signature integrates with a remote electronic-signature
// provider. The engine opens an envelope with a document and its
// signers; the run resumes when the provider's webhook reports the
// envelope closed.
package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignerRequest identifies one person who must sign the document.
type SignerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	// Kind is the provider's signature role (sign, approve, witness).
	Kind string `json:"kind,omitempty"`
}

// EnvelopeRequest describes the envelope to open.
type EnvelopeRequest struct {
	Name string
	// DocumentName and Content carry the file to be signed.
	DocumentName string
	Content      []byte
	ContentType  string
	Signers      []SignerRequest
	// Deadline is when the provider stops collecting signatures.
	Deadline *time.Time
}

// Signer opens envelopes at the provider.
type Signer interface {
	CreateEnvelope(ctx context.Context, req EnvelopeRequest) (envelopeID string, err error)
}

// WebhookEvent is the payload the provider posts when an envelope
// changes state.
type WebhookEvent struct {
	EnvelopeID string    `json:"envelopeId"`
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurredAt"`
	Documents  []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"documents,omitempty"`
}

// EventEnvelopeClosed is the event name reported once every signer has
// signed and the envelope can no longer change.
const EventEnvelopeClosed = "envelope.closed"

// Client talks to the provider's REST API. Opening an envelope is a
// fixed call sequence: create, attach document, attach signers, attach
// requirements, activate, notify.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Signer = &Client{}

func NewClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, client: client}
}

func (c *Client) CreateEnvelope(ctx context.Context, req EnvelopeRequest) (string, error) {
	envelope := struct {
		ID string `json:"id"`
	}{}
	body := map[string]any{"name": req.Name}
	if req.Deadline != nil {
		body["deadline_at"] = req.Deadline.Format(time.RFC3339)
	}
	if err := c.post(ctx, "/envelopes", body, &envelope); err != nil {
		return "", fmt.Errorf("failed to create envelope: %w", err)
	}

	document := struct {
		ID string `json:"id"`
	}{}
	err := c.post(ctx, fmt.Sprintf("/envelopes/%s/documents", envelope.ID), map[string]any{
		"filename":     req.DocumentName,
		"content_type": req.ContentType,
		"content":      req.Content,
	}, &document)
	if err != nil {
		return "", fmt.Errorf("failed to attach document to envelope %s: %w", envelope.ID, err)
	}

	for _, signer := range req.Signers {
		added := struct {
			ID string `json:"id"`
		}{}
		err := c.post(ctx, fmt.Sprintf("/envelopes/%s/signers", envelope.ID), map[string]any{
			"name":  signer.Name,
			"email": signer.Email,
		}, &added)
		if err != nil {
			return "", fmt.Errorf("failed to add signer %s to envelope %s: %w", signer.Email, envelope.ID, err)
		}

		kind := signer.Kind
		if kind == "" {
			kind = "sign"
		}
		err = c.post(ctx, fmt.Sprintf("/envelopes/%s/requirements", envelope.ID), map[string]any{
			"action":      kind,
			"document_id": document.ID,
			"signer_id":   added.ID,
		}, nil)
		if err != nil {
			return "", fmt.Errorf("failed to add requirement for signer %s: %w", signer.Email, err)
		}
	}

	err = c.patch(ctx, fmt.Sprintf("/envelopes/%s", envelope.ID), map[string]any{"status": "running"})
	if err != nil {
		return "", fmt.Errorf("failed to activate envelope %s: %w", envelope.ID, err)
	}

	err = c.post(ctx, fmt.Sprintf("/envelopes/%s/notifications", envelope.ID), map[string]any{}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to notify signers of envelope %s: %w", envelope.ID, err)
	}

	return envelope.ID, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) patch(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}
	return nil
}
