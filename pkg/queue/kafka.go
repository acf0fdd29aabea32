package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/flowdesk/flowdesk/internal/log"
)

// TopicPrefix namespaces task topics so one broker can serve several
// installations.
const TopicPrefix = "flowdesk.tasks."

func topicFor(queue string) string {
	return TopicPrefix + queue
}

// QueueFromTopic is the inverse of the topic naming scheme.
func QueueFromTopic(topic string) string {
	return strings.TrimPrefix(topic, TopicPrefix)
}

// KafkaDispatcher publishes tasks to one Kafka topic per queue. Messages
// are keyed by activity so all steps of one activity stay in order on a
// single partition.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

var _ Dispatcher = &KafkaDispatcher{}

func NewKafkaDispatcher(brokers []string) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (d *KafkaDispatcher) Enqueue(ctx context.Context, queue string, msg TaskMessage) error {
	value, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode task for queue %s: %w", queue, err)
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Topic: topicFor(queue),
		Key:   []byte(fmt.Sprintf("%s:%d", msg.Tenant, msg.ActivityKey)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "tenant", Value: []byte(msg.Tenant)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish task to queue %s: %w", queue, err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// Reader exposes the minimal kafka.Reader surface needed by the consumer.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaConsumer pulls tasks from the task topics and dispatches them to
// a Handler. Uncommitted failures are redelivered by the broker.
type KafkaConsumer struct {
	reader  Reader
	handler Handler
}

func NewKafkaConsumer(reader Reader, handler Handler) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, handler: handler}
}

// NewKafkaReader builds a group reader subscribed to the task topics for
// the given queues.
func NewKafkaReader(brokers []string, groupID string, queues []string) *kafka.Reader {
	topics := make([]string, 0, len(queues))
	for _, q := range queues {
		topics = append(topics, topicFor(q))
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
}

// Close stops the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// Run blocks processing messages until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Error("failed to fetch task message: %s", err)
			continue
		}

		task, decodeErr := Decode(msg.Value)
		if decodeErr != nil {
			log.Error("malformed task on %s (partition=%d, offset=%d): %s", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			// Commit malformed messages to avoid poison-pill loops.
			if commitErr := c.reader.CommitMessages(ctx, msg); commitErr != nil {
				log.Error("failed to commit malformed task: %s", commitErr)
			}
			continue
		}

		if handleErr := c.handler.HandleTask(ctx, QueueFromTopic(msg.Topic), task); handleErr != nil {
			if errors.Is(handleErr, ErrReject) {
				log.Error("dropping task for step %d: %s", task.StepKey, handleErr)
				if commitErr := c.reader.CommitMessages(ctx, msg); commitErr != nil {
					log.Error("failed to commit rejected task: %s", commitErr)
				}
				continue
			}
			// Leave the offset uncommitted so the broker redelivers.
			log.Error("task for step %d failed: %s", task.StepKey, handleErr)
			continue
		}

		if commitErr := c.reader.CommitMessages(ctx, msg); commitErr != nil {
			log.Error("failed to commit task: %s", commitErr)
		}
	}
}
