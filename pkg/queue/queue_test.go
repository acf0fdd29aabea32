package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	raw, err := Encode(TaskMessage{Tenant: "acme", ActivityKey: 1, RunKey: 2, StepKey: 3})
	assert.NoError(t, err)

	msg, err := Decode(raw)
	assert.NoError(t, err)
	assert.Equal(t, "acme", msg.Tenant)
	assert.Equal(t, int64(3), msg.StepKey)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	// missing tenant
	_, err = Decode([]byte(`{"activityKey": 1, "stepKey": 2}`))
	assert.Error(t, err)

	// wrong type
	_, err = Decode([]byte(`{"tenant": "acme", "activityKey": "1", "stepKey": 2}`))
	assert.Error(t, err)
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []TaskMessage
	errs  []error
	done  chan struct{}
}

func (h *recordingHandler) HandleTask(ctx context.Context, queue string, msg TaskMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, msg)
	var err error
	if len(h.errs) > 0 {
		err = h.errs[0]
		h.errs = h.errs[1:]
	}
	if err == nil && h.done != nil {
		close(h.done)
		h.done = nil
	}
	return err
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func TestInProcDispatcherRetriesFailedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &recordingHandler{
		errs: []error{fmt.Errorf("transient")},
		done: make(chan struct{}),
	}
	done := handler.done

	d := NewInProcDispatcher(InProcWithWorkers(1), InProcWithBackoff(time.Millisecond))
	d.Start(ctx, handler)

	err := d.Enqueue(ctx, "script", TaskMessage{Tenant: "acme", ActivityKey: 1, StepKey: 2})
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not retried")
	}
	assert.Equal(t, 2, handler.callCount())
}

type rejectingHandler struct {
	calls atomic.Int32
}

func (h *rejectingHandler) HandleTask(ctx context.Context, queue string, msg TaskMessage) error {
	h.calls.Add(1)
	return fmt.Errorf("graph is broken: %w", ErrReject)
}

func TestInProcDispatcherDropsRejectedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &rejectingHandler{}
	d := NewInProcDispatcher(InProcWithWorkers(1), InProcWithBackoff(time.Millisecond))
	d.Start(ctx, handler)

	err := d.Enqueue(ctx, "script", TaskMessage{Tenant: "acme", ActivityKey: 1, StepKey: 2})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return handler.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// give the pool a chance to (incorrectly) redeliver
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), handler.calls.Load())
}

func TestErrRejectMatchesWrappedErrors(t *testing.T) {
	err := fmt.Errorf("step vanished: %w", ErrReject)
	assert.True(t, errors.Is(err, ErrReject))
}
