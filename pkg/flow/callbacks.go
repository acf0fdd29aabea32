package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/signature"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// ResumeWebRequest completes an asynchronous web request step with the
// payload the remote system posted back. The node's field mappings copy
// payload values into the form draft before the run advances.
func (engine *Engine) ResumeWebRequest(ctx context.Context, tenant string, stepKey int64, payload map[string]any) error {
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return err
	}

	activity, err := store.FindActivityByStepKey(ctx, stepKey)
	if err != nil {
		return fmt.Errorf("no activity owns step %d: %w", stepKey, err)
	}

	run, step := activity.FindStep(stepKey)
	if step == nil {
		return errors.Join(storage.ErrNotFound, newEngineErrorf("step %d vanished from activity %d", stepKey, activity.Key))
	}
	if step.Status != runtime.StepStatusIdle {
		return newEngineErrorf("step %d of activity %d is not waiting for a callback", stepKey, activity.Key)
	}
	node := run.Graph.NodeByID(step.NodeID)
	if node == nil || node.Type != runtime.NodeTypeWebRequest || node.WebRequest == nil {
		return newEngineErrorf("step %d of activity %d is not a web request step", stepKey, activity.Key)
	}

	populateFields(&activity.FormDraft, node.WebRequest.FieldPopulate, payload)
	step.Status = runtime.StepStatusFinished

	if err := engine.advance(ctx, store, &activity, run, step, runtime.EdgeDefault); err != nil {
		return err
	}

	stepsTotal.WithLabelValues(string(runtime.NodeTypeWebRequest), resultFinished).Inc()
	log.Infof(log.WithTenant(ctx, tenant), "web request step %d of activity %d resumed", stepKey, activity.Key)
	return nil
}

// ResumeSignature handles a signing provider webhook. Only the closed
// event moves the run; everything else is informational and dropped.
func (engine *Engine) ResumeSignature(ctx context.Context, tenant string, event signature.WebhookEvent) error {
	if event.Event != signature.EventEnvelopeClosed {
		log.Debug("ignoring signature event %s for envelope %s", event.Event, event.EnvelopeID)
		return nil
	}

	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return err
	}

	activity, err := store.FindActivityByEnvelopeID(ctx, event.EnvelopeID)
	if err != nil {
		return fmt.Errorf("no activity owns envelope %s: %w", event.EnvelopeID, err)
	}

	envelope := activity.EnvelopeByID(event.EnvelopeID)
	if envelope == nil {
		return errors.Join(storage.ErrNotFound, newEngineErrorf("envelope %s vanished from activity %d", event.EnvelopeID, activity.Key))
	}
	if envelope.Closed {
		// duplicate webhook delivery
		return nil
	}

	run, step := activity.FindStep(envelope.StepKey)
	if step == nil {
		return &GraphIntegrityError{ActivityKey: activity.Key, RunKey: envelope.RunKey,
			Msg: fmt.Sprintf("envelope %s points at missing step %d", event.EnvelopeID, envelope.StepKey)}
	}
	if step.Status != runtime.StepStatusIdle {
		return newEngineErrorf("signature step %d of activity %d is not waiting for the provider", envelope.StepKey, activity.Key)
	}

	envelope.Closed = true
	for d := range envelope.Documents {
		for s := range envelope.Documents[d].Signers {
			envelope.Documents[d].Signers[s].Signed = true
		}
	}
	step.Status = runtime.StepStatusFinished
	step.SetData("closedAt", event.OccurredAt)

	if err := engine.advance(ctx, store, &activity, run, step, runtime.EdgeDefault); err != nil {
		return err
	}

	stepsTotal.WithLabelValues(string(runtime.NodeTypeSignature), resultFinished).Inc()
	log.Infof(log.WithTenant(ctx, tenant), "envelope %s closed, activity %d resumed", event.EnvelopeID, activity.Key)
	return nil
}

// AddComment appends a comment to the activity's discussion thread.
func (engine *Engine) AddComment(ctx context.Context, tenant string, activityKey int64, user runtime.UserRef, content string) (*runtime.Comment, error) {
	if content == "" {
		return nil, newEngineErrorf("comment content must not be empty")
	}
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return nil, err
	}

	comment := runtime.Comment{
		ID:        NewInteractionID(),
		User:      user,
		Content:   content,
		CreatedAt: engine.clock(),
	}
	_, err = mutateActivity(ctx, store, activityKey, func(a *runtime.Activity) error {
		a.Comments = append(a.Comments, comment)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// AddRequester registers another user as a requester of the activity, so
// they receive the same notifications and smart-value exposure.
func (engine *Engine) AddRequester(ctx context.Context, tenant string, activityKey int64, user runtime.UserRef) error {
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return err
	}
	_, err = mutateActivity(ctx, store, activityKey, func(a *runtime.Activity) error {
		for _, r := range a.Requesters {
			if r.Key == user.Key {
				return newEngineErrorf("user %d is already a requester of activity %d", user.Key, a.Key)
			}
		}
		a.Requesters = append(a.Requesters, user)
		return nil
	})
	return err
}
