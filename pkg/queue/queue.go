// Package queue carries step execution tasks between the engine and its
// workers. A task names a step by key; all state lives in storage, so a
// redelivered task is safe to process again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

// QueueInteractionProcess carries quorum re-evaluation tasks after an
// interaction answer lands. All other queue names equal the node type of
// the step to execute.
const QueueInteractionProcess = "interaction_process"

// ForNode returns the queue that executes steps of the given node type.
func ForNode(t runtime.NodeType) string {
	return string(t)
}

// Queues lists every queue a consumer must subscribe to.
func Queues() []string {
	return []string{
		ForNode(runtime.NodeTypeStart),
		ForNode(runtime.NodeTypeChangeStatus),
		ForNode(runtime.NodeTypeSendEmail),
		ForNode(runtime.NodeTypeConditional),
		ForNode(runtime.NodeTypeWebRequest),
		ForNode(runtime.NodeTypeScript),
		ForNode(runtime.NodeTypeNewTicket),
		ForNode(runtime.NodeTypeSignature),
		ForNode(runtime.NodeTypeSwapWorkflow),
		ForNode(runtime.NodeTypeInteraction),
		QueueInteractionProcess,
	}
}

// ErrReject marks a task as permanently failed. Dispatchers must not
// redeliver a task whose handler returned an error wrapping ErrReject.
var ErrReject = errors.New("task rejected")

// TaskMessage is the wire payload of one queued task.
type TaskMessage struct {
	Tenant      string `json:"tenant"`
	ActivityKey int64  `json:"activityKey"`
	RunKey      int64  `json:"runKey"`
	StepKey     int64  `json:"stepKey"`
}

// Handler processes one task. Returning a plain error requests
// redelivery; wrap ErrReject to drop the task.
type Handler interface {
	HandleTask(ctx context.Context, queue string, msg TaskMessage) error
}

// Dispatcher hands tasks to workers.
type Dispatcher interface {
	Enqueue(ctx context.Context, queue string, msg TaskMessage) error
}

const taskSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowdesk.dev/schemas/task.json",
  "type": "object",
  "required": ["tenant", "activityKey", "stepKey"],
  "properties": {
    "tenant": { "type": "string", "minLength": 1 },
    "activityKey": { "type": "integer" },
    "runKey": { "type": "integer" },
    "stepKey": { "type": "integer" }
  },
  "additionalProperties": false
}`

var taskSchema = mustCompileTaskSchema()

func mustCompileTaskSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskSchemaJSON))
	if err != nil {
		panic("failed to unmarshal task schema: " + err.Error())
	}
	if err := c.AddResource("https://flowdesk.dev/schemas/task.json", doc); err != nil {
		panic("failed to add task schema resource: " + err.Error())
	}
	s, err := c.Compile("https://flowdesk.dev/schemas/task.json")
	if err != nil {
		panic("failed to compile task schema: " + err.Error())
	}
	return s
}

// Encode marshals a task for the wire.
func Encode(msg TaskMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode unmarshals and validates a wire payload. Payloads that fail the
// schema are malformed and must not be retried.
func Decode(raw []byte) (TaskMessage, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return TaskMessage{}, fmt.Errorf("task payload is not valid JSON: %w", err)
	}
	if err := taskSchema.Validate(doc); err != nil {
		return TaskMessage{}, fmt.Errorf("task payload failed validation: %w", err)
	}
	var msg TaskMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return TaskMessage{}, fmt.Errorf("failed to decode task payload: %w", err)
	}
	return msg, nil
}
