package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/smartvalue"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// webRequestBodyLimit caps how much of a response we keep.
const webRequestBodyLimit = 4 << 20

// executeWebRequest calls the configured endpoint with smart values
// interpolated into the URL, body and headers. Synchronous requests copy
// response fields into the form draft and advance; asynchronous ones fire
// the request and park the step until the callback endpoint resumes it.
func (engine *Engine) executeWebRequest(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	cfg := ref.node.WebRequest

	vars, err := engine.variables(ctx, store, ref.run)
	if err != nil {
		return stepOutcome{}, err
	}
	scope := templateScope(activity, vars)

	url := smartvalue.Replace(cfg.URL, scope)
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(smartvalue.Replace(cfg.Body, scope))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to build request for node %s: %w", ref.node.ID, err)
	}
	if cfg.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range cfg.Headers {
		req.Header.Set(h.Key, smartvalue.Replace(h.Value, scope))
	}

	resp, err := engine.httpClient.Do(req)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("request for node %s failed: %w", ref.node.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, webRequestBodyLimit))
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to read response for node %s: %w", ref.node.ID, err)
	}

	ref.step.SetData("status", resp.StatusCode)
	if resp.StatusCode >= 400 {
		return stepOutcome{}, newEngineErrorf("node %s got status %d from %s", ref.node.ID, resp.StatusCode, url)
	}

	if cfg.Async {
		// the callback carries the real outcome; holding the step idle
		// keeps the run positioned on it
		return stepOutcome{idle: true}, nil
	}

	if len(cfg.FieldPopulate) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return stepOutcome{}, fmt.Errorf("node %s response is not a JSON object: %w", ref.node.ID, err)
		}
		populateFields(&activity.FormDraft, cfg.FieldPopulate, payload)
	}

	return stepOutcome{edge: runtime.EdgeDefault}, nil
}

// populateFields copies dotted-path values out of a response payload into
// draft fields. Paths that do not resolve leave the field untouched.
func populateFields(draft *runtime.FormDraft, mappings []runtime.FieldMapping, payload map[string]any) {
	for _, mapping := range mappings {
		field := draft.FieldByID(mapping.Field)
		if field == nil {
			continue
		}
		if value, ok := smartvalue.Lookup(mapping.Path, payload); ok {
			field.Value = value
		}
	}
}
