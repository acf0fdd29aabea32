package script

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// DefaultBudget bounds the wall-clock time of one script run.
const DefaultBudget = 120 * time.Second

// Scope is the complete surface a script can see. Anything not declared
// here is unreachable from script code.
type Scope struct {
	// Vars are tenant variables, secrets already decrypted.
	Vars map[string]string
	// Activity is the smart-value context of the running activity.
	Activity map[string]any
}

// Host runs scripts against pooled VMs.
type Host struct {
	pool   *RunnerPool
	client *http.Client
	budget time.Duration
}

type HostOption func(*Host)

func HostWithBudget(budget time.Duration) HostOption {
	return func(h *Host) {
		h.budget = budget
	}
}

func HostWithHTTPClient(client *http.Client) HostOption {
	return func(h *Host) {
		h.client = client
	}
}

func NewHost(ctx context.Context, maxPoolSize int, minPoolSize int, opts ...HostOption) *Host {
	h := &Host{
		pool:   NewRunnerPool(ctx, jsRunnerFactory{}, maxPoolSize, minPoolSize),
		client: &http.Client{Timeout: 30 * time.Second},
		budget: DefaultBudget,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes source with the given scope and returns the exported
// value of the final expression. A script that exceeds the budget is
// interrupted and fails with an error.
func (h *Host) Run(ctx context.Context, source string, scope Scope) (any, error) {
	runner := h.pool.Get().(*jsRunner)
	defer h.pool.Put(runner)
	return runner.run(ctx, h, source, scope)
}

type jsRunnerFactory struct{}

func (jsRunnerFactory) NewRunner() Runner {
	return &jsRunner{vm: goja.New()}
}

type jsRunner struct {
	vm *goja.Runtime
}

func (r *jsRunner) Runner() {}

func (r *jsRunner) run(ctx context.Context, h *Host, source string, scope Scope) (any, error) {
	vm := r.vm

	if err := vm.Set("vars", scope.Vars); err != nil {
		return nil, err
	}
	if err := vm.Set("activity", scope.Activity); err != nil {
		return nil, err
	}
	if err := vm.Set("http", map[string]any{
		"get":  r.httpGet(ctx, h),
		"post": r.httpPost(ctx, h),
	}); err != nil {
		return nil, err
	}

	budgetCtx, cancel := context.WithTimeout(ctx, h.budget)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-budgetCtx.Done():
			vm.Interrupt("script execution budget exceeded")
		case <-stop:
		}
	}()
	defer vm.ClearInterrupt()

	value, err := vm.RunString(source)
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	return value.Export(), nil
}

func (r *jsRunner) httpGet(ctx context.Context, h *Host) func(url string) (map[string]any, error) {
	return func(url string) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return doRequest(h.client, req)
	}
}

func (r *jsRunner) httpPost(ctx context.Context, h *Host) func(url string, body any) (map[string]any, error) {
	return func(url string, body any) (map[string]any, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return doRequest(h.client, req)
	}
}

func doRequest(client *http.Client, req *http.Request) (map[string]any, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var body any = string(raw)
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		body = parsed
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   body,
		"raw":    string(raw),
	}, nil
}
