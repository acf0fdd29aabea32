package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdesk/flowdesk/internal/alert"
	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/queue"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

var _ queue.Handler = &Engine{}

// stepMaxAttempts bounds how often a step executor may fail before the
// step is marked errored and the task rejected.
const stepMaxAttempts = 3

// stepOutcome is what a node executor reports back to the task wrapper.
type stepOutcome struct {
	// edge selects the outgoing edge to advance along.
	edge runtime.EdgeName
	// idle leaves the step parked, waiting for an external callback.
	idle bool
	// done means the executor finished the step and advanced the run itself.
	done bool
}

// HandleTask runs one queued step execution through its node executor and
// moves the run along. It is the single entry point for task consumers.
//
// Infrastructure errors before execution are returned plainly so the queue
// redelivers. A node executor failure also rides redelivery, up to
// stepMaxAttempts; after that, or on a graph integrity failure, the step is
// marked error, an alert goes out and the task is rejected: an errored step
// is terminal until an operator intervenes.
func (engine *Engine) HandleTask(ctx context.Context, queueName string, msg queue.TaskMessage) error {
	ctx = log.WithTenant(ctx, msg.Tenant)

	if queueName == queue.QueueInteractionProcess {
		return engine.processInteraction(ctx, msg)
	}

	store, err := engine.stores.Storage(msg.Tenant)
	if err != nil {
		return errors.Join(queue.ErrReject, err)
	}

	activity, err := store.FindActivityByKey(ctx, msg.ActivityKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Join(queue.ErrReject, fmt.Errorf("activity %d is gone: %w", msg.ActivityKey, err))
		}
		return err
	}

	ref, err := resolveStep(&activity, msg.RunKey, msg.StepKey)
	if err != nil {
		log.Error("dropping task for activity %d: %s", msg.ActivityKey, err)
		return errors.Join(queue.ErrReject, err)
	}

	switch ref.step.Status {
	case runtime.StepStatusInQueue:
		// first delivery
	case runtime.StepStatusInProgress:
		log.Warn("step %d of activity %d redelivered mid-execution, running again", msg.StepKey, msg.ActivityKey)
	case runtime.StepStatusFinished, runtime.StepStatusIdle:
		// duplicate delivery of an already handled step
		return nil
	case runtime.StepStatusError:
		return errors.Join(queue.ErrReject, newEngineErrorf("step %d of activity %d already failed", msg.StepKey, msg.ActivityKey))
	}

	ref.step.Status = runtime.StepStatusInProgress
	if err := store.SaveActivity(ctx, &activity); err != nil {
		return fmt.Errorf("failed to claim step %d of activity %d: %w", msg.StepKey, msg.ActivityKey, err)
	}

	outcome, execErr := engine.executeNode(ctx, store, &activity, ref)
	if execErr != nil {
		var integrity *GraphIntegrityError
		if errors.As(execErr, &integrity) {
			// a broken graph never heals on its own, no point retrying
			engine.failStep(ctx, store, msg, ref.node, execErr)
			stepsTotal.WithLabelValues(string(ref.node.Type), resultError).Inc()
			return errors.Join(queue.ErrReject, execErr)
		}

		// count the attempt on a fresh record so a half-mutated activity
		// from the failed executor is never persisted
		attempts := 0
		if _, err := mutateActivity(ctx, store, msg.ActivityKey, func(a *runtime.Activity) error {
			_, step := a.FindStep(msg.StepKey)
			if step == nil {
				return &GraphIntegrityError{ActivityKey: a.Key, RunKey: msg.RunKey, Msg: "failing step vanished"}
			}
			step.Attempts++
			attempts = step.Attempts
			return nil
		}); err != nil {
			log.Error("failed to count attempt on step %d of activity %d: %s", msg.StepKey, msg.ActivityKey, err)
			return execErr
		}

		if attempts < stepMaxAttempts {
			log.Warn("step %d of activity %d failed on attempt %d of %d, redelivering: %s",
				msg.StepKey, msg.ActivityKey, attempts, stepMaxAttempts, execErr)
			return execErr
		}

		engine.failStep(ctx, store, msg, ref.node, execErr)
		stepsTotal.WithLabelValues(string(ref.node.Type), resultError).Inc()
		return errors.Join(queue.ErrReject, execErr)
	}

	switch {
	case outcome.done:
	case outcome.idle:
		ref.step.Status = runtime.StepStatusIdle
		if err := store.SaveActivity(ctx, &activity); err != nil {
			return fmt.Errorf("failed to park step %d of activity %d: %w", msg.StepKey, msg.ActivityKey, err)
		}
	default:
		ref.step.Status = runtime.StepStatusFinished
		if err := engine.advance(ctx, store, &activity, ref.run, ref.step, outcome.edge); err != nil {
			var integrity *GraphIntegrityError
			if errors.As(err, &integrity) {
				engine.failStep(ctx, store, msg, ref.node, err)
				return errors.Join(queue.ErrReject, err)
			}
			return err
		}
	}

	stepsTotal.WithLabelValues(string(ref.node.Type), resultFor(outcome)).Inc()
	return nil
}

// failStep marks the step errored and raises an operator alert. Marking is
// best effort: a conflicting write must not mask the original failure.
func (engine *Engine) failStep(ctx context.Context, store storage.Storage, msg queue.TaskMessage, node *runtime.Node, cause error) {
	activity, err := mutateActivity(ctx, store, msg.ActivityKey, func(a *runtime.Activity) error {
		_, step := a.FindStep(msg.StepKey)
		if step == nil {
			return &GraphIntegrityError{ActivityKey: a.Key, RunKey: msg.RunKey, Msg: "failing step vanished"}
		}
		step.Status = runtime.StepStatusError
		step.SetData("error", cause.Error())
		return nil
	})
	if err != nil {
		log.Error("failed to record failure of step %d on activity %d: %s", msg.StepKey, msg.ActivityKey, err)
		return
	}

	log.Error("step %d (%s) of activity %d failed: %s", msg.StepKey, node.Type, msg.ActivityKey, cause)
	engine.alerter.NotifyStepFailure(ctx, alert.StepFailure{
		Tenant:      msg.Tenant,
		ActivityKey: activity.Key,
		Protocol:    activity.Protocol,
		NodeType:    string(node.Type),
		NodeName:    node.Name,
		LastUser:    activity.LastRequester().Name,
		Err:         cause,
	})
}
