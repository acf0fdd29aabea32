package script

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHostRunsScriptWithScope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := NewHost(ctx, 2, 1)
	result, err := host.Run(ctx, `vars.prefix + '-' + activity.protocol`, Scope{
		Vars:     map[string]string{"prefix": "flow"},
		Activity: map[string]any{"protocol": "2026000001"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "flow-2026000001", result)
}

func TestHostReportsScriptErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := NewHost(ctx, 2, 1)
	_, err := host.Run(ctx, `throw new Error('boom')`, Scope{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestHostInterruptsRunawayScripts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := NewHost(ctx, 1, 1, HostWithBudget(50*time.Millisecond))
	_, err := host.Run(ctx, `for (;;) {}`, Scope{})
	assert.Error(t, err)

	// the interrupted VM must be usable again
	result, err := host.Run(ctx, `1 + 1`, Scope{})
	assert.NoError(t, err)
	assert.EqualValues(t, 2, result)
}

func TestHostHTTPHelpers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ping", body["msg"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	host := NewHost(ctx, 2, 1)

	result, err := host.Run(ctx, `http.get(`+"`"+srv.URL+"`"+`)`, Scope{})
	assert.NoError(t, err)
	res := result.(map[string]any)
	assert.EqualValues(t, 200, res["status"])

	result, err = host.Run(ctx, `http.post(`+"`"+srv.URL+"`"+`, {msg: 'ping'})`, Scope{})
	assert.NoError(t, err)
	res = result.(map[string]any)
	assert.EqualValues(t, 200, res["status"])
}
