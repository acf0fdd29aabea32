package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

type stubReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		// stop the consumer loop once the scripted messages run out
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *stubReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *stubReader) Close() error { return nil }

func TestKafkaConsumerCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	valid, err := Encode(TaskMessage{Tenant: "acme", ActivityKey: 1, StepKey: 2})
	assert.NoError(t, err)

	reader := &stubReader{
		cancel: cancel,
		messages: []kafka.Message{
			{Topic: topicFor("script"), Offset: 1, Value: []byte(`{"broken`)},
			{Topic: topicFor("script"), Offset: 2, Value: valid},
		},
	}
	handler := &recordingHandler{}

	consumer := NewKafkaConsumer(reader, handler)
	err = consumer.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// the malformed message is committed without reaching the handler
	assert.Equal(t, 1, handler.callCount())
	assert.Equal(t, []int64{1, 2}, reader.committed)
}

func TestKafkaConsumerLeavesFailedTasksUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	valid, err := Encode(TaskMessage{Tenant: "acme", ActivityKey: 1, StepKey: 2})
	assert.NoError(t, err)

	reader := &stubReader{
		cancel: cancel,
		messages: []kafka.Message{
			{Topic: topicFor("script"), Offset: 7, Value: valid},
		},
	}
	handler := &recordingHandler{errs: []error{assert.AnError}}

	consumer := NewKafkaConsumer(reader, handler)
	err = consumer.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, handler.callCount())
	assert.Empty(t, reader.committed)
}
