package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/queue"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// AnswerInteraction records one recipient's submitted answer. When the
// quorum is met and participant selection is closed, a processing task is
// queued to move the run along; answering itself never advances directly,
// so concurrent answers race only on the document revision.
func (engine *Engine) AnswerInteraction(ctx context.Context, tenant string, activityKey int64, interactionID string, answerID string, values map[string]any) error {
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return err
	}

	var quorumMet bool
	var task queue.TaskMessage
	activity, err := mutateActivity(ctx, store, activityKey, func(a *runtime.Activity) error {
		interaction := a.InteractionByID(interactionID)
		if interaction == nil {
			return errors.Join(storage.ErrNotFound, newEngineErrorf("interaction %s not found on activity %d", interactionID, a.Key))
		}
		if interaction.Finished {
			return newEngineErrorf("interaction %s has already finished", interactionID)
		}

		var answer *runtime.InteractionAnswer
		for i := range interaction.Answers {
			if interaction.Answers[i].ID == answerID {
				answer = &interaction.Answers[i]
				break
			}
		}
		if answer == nil {
			return errors.Join(storage.ErrNotFound, newEngineErrorf("answer %s not found on interaction %s", answerID, interactionID))
		}
		if answer.Status == runtime.StepStatusFinished {
			return newEngineErrorf("answer %s has already been submitted", answerID)
		}

		data := interaction.Form.Clone()
		data.ApplyValues(values)
		answer.Data = &data
		answer.Status = runtime.StepStatusFinished

		quorumMet = !interaction.CanAddParticipants && interaction.FinishedAnswers() >= interaction.WaitFor
		task = queue.TaskMessage{Tenant: tenant, ActivityKey: a.Key, RunKey: interaction.RunKey, StepKey: interaction.StepKey}
		return nil
	})
	if err != nil {
		return err
	}

	log.Infof(log.WithTenant(ctx, tenant), "answer %s submitted on interaction %s of activity %d", answerID, interactionID, activity.Key)
	if quorumMet {
		if err := engine.dispatcher.Enqueue(ctx, queue.QueueInteractionProcess, task); err != nil {
			return fmt.Errorf("failed to queue interaction processing for activity %d: %w", activity.Key, err)
		}
	}
	return nil
}

// AddParticipants appends answer slots for additional users while the
// interaction's participant selection is still open. When the interaction
// permits only specific participants, users outside that set are refused.
func (engine *Engine) AddParticipants(ctx context.Context, tenant string, activityKey int64, interactionID string, userKeys []int64) error {
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return err
	}

	users, err := store.FindActiveUsers(ctx, userKeys)
	if err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}
	if len(users) == 0 {
		return newEngineErrorf("no active users among the requested participants")
	}

	_, err = mutateActivity(ctx, store, activityKey, func(a *runtime.Activity) error {
		interaction := a.InteractionByID(interactionID)
		if interaction == nil {
			return errors.Join(storage.ErrNotFound, newEngineErrorf("interaction %s not found on activity %d", interactionID, a.Key))
		}
		if interaction.Finished {
			return newEngineErrorf("interaction %s has already finished", interactionID)
		}
		if !interaction.CanAddParticipants {
			return newEngineErrorf("interaction %s does not accept additional participants", interactionID)
		}

		for _, user := range users {
			if !participantPermitted(interaction, user.Key) {
				return newEngineErrorf("user %d is not a permitted participant of interaction %s", user.Key, interactionID)
			}
			if interaction.AnswerByUser(user.Key) != nil {
				continue
			}
			interaction.Answers = append(interaction.Answers, runtime.InteractionAnswer{
				ID:     NewInteractionID(),
				User:   user.Ref(),
				Status: runtime.StepStatusIdle,
			})
		}

		// the quorum tracks the grown answer set when the node asked for
		// everyone or for a fixed count
		if cfg := interactionConfig(a, interaction); cfg != nil {
			interaction.WaitFor = CalculateWaitFor(cfg, len(interaction.Answers))
		}
		return nil
	})
	return err
}

// CloseParticipants ends participant selection. Quorum evaluation is held
// back until this point; if the collected answers already satisfy it, the
// processing task goes out now.
func (engine *Engine) CloseParticipants(ctx context.Context, tenant string, activityKey int64, interactionID string) error {
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return err
	}

	var quorumMet bool
	var task queue.TaskMessage
	_, err = mutateActivity(ctx, store, activityKey, func(a *runtime.Activity) error {
		interaction := a.InteractionByID(interactionID)
		if interaction == nil {
			return errors.Join(storage.ErrNotFound, newEngineErrorf("interaction %s not found on activity %d", interactionID, a.Key))
		}
		if interaction.Finished {
			return newEngineErrorf("interaction %s has already finished", interactionID)
		}

		interaction.CanAddParticipants = false
		quorumMet = interaction.FinishedAnswers() >= interaction.WaitFor
		task = queue.TaskMessage{Tenant: tenant, ActivityKey: a.Key, RunKey: interaction.RunKey, StepKey: interaction.StepKey}
		return nil
	})
	if err != nil {
		return err
	}

	if quorumMet {
		if err := engine.dispatcher.Enqueue(ctx, queue.QueueInteractionProcess, task); err != nil {
			return fmt.Errorf("failed to queue interaction processing for activity %d: %w", activityKey, err)
		}
	}
	return nil
}

// ForceFinishInteraction closes an interaction regardless of quorum, used
// when its SLA expires. Unanswered slots stay idle; whatever answers were
// collected are what the continuation sees.
func (engine *Engine) ForceFinishInteraction(ctx context.Context, tenant string, activityKey int64, interactionID string) error {
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return err
	}

	var task queue.TaskMessage
	_, err = mutateActivity(ctx, store, activityKey, func(a *runtime.Activity) error {
		interaction := a.InteractionByID(interactionID)
		if interaction == nil {
			return errors.Join(storage.ErrNotFound, newEngineErrorf("interaction %s not found on activity %d", interactionID, a.Key))
		}
		if interaction.Finished {
			return newEngineErrorf("interaction %s has already finished", interactionID)
		}
		interaction.CanAddParticipants = false
		// a zero quorum lets the continuation proceed with partial answers
		interaction.WaitFor = 0
		task = queue.TaskMessage{Tenant: tenant, ActivityKey: a.Key, RunKey: interaction.RunKey, StepKey: interaction.StepKey}
		return nil
	})
	if err != nil {
		return err
	}

	if err := engine.dispatcher.Enqueue(ctx, queue.QueueInteractionProcess, task); err != nil {
		return fmt.Errorf("failed to queue interaction processing for activity %d: %w", activityKey, err)
	}
	return nil
}

// processInteraction is the continuation behind the interaction processing
// queue: it re-checks the quorum against fresh state, finishes the
// interaction exactly once and advances the run through the edge its
// optional clauses select. Stale tasks, queued by answers that lost the
// quorum race, drop out harmlessly.
func (engine *Engine) processInteraction(ctx context.Context, msg queue.TaskMessage) error {
	store, err := engine.stores.Storage(msg.Tenant)
	if err != nil {
		return errors.Join(queue.ErrReject, err)
	}

	activity, err := store.FindActivityByKey(ctx, msg.ActivityKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Join(queue.ErrReject, err)
		}
		return err
	}

	ref, err := resolveStep(&activity, msg.RunKey, msg.StepKey)
	if err != nil {
		return errors.Join(queue.ErrReject, err)
	}
	if ref.step.Status != runtime.StepStatusIdle {
		// a concurrent task already moved the run on
		return nil
	}

	interaction := interactionByStep(&activity, msg.StepKey)
	if interaction == nil {
		return errors.Join(queue.ErrReject, &GraphIntegrityError{ActivityKey: activity.Key, RunKey: msg.RunKey,
			Msg: fmt.Sprintf("idle interaction step %d has no interaction record", msg.StepKey)})
	}
	if interaction.Finished {
		return nil
	}
	if interaction.CanAddParticipants || interaction.FinishedAnswers() < interaction.WaitFor {
		// quorum not met anymore, or never was; wait for more answers
		return nil
	}

	interaction.Finished = true
	// answers still pending when the quorum closed are settled too, so the
	// activity carries no idle answers once the interaction is over
	for i := range interaction.Answers {
		if interaction.Answers[i].Status == runtime.StepStatusIdle {
			interaction.Answers[i].Status = runtime.StepStatusFinished
		}
	}
	ref.step.Status = runtime.StepStatusFinished

	edge := runtime.EdgeDefault
	if cfg := ref.node.Interaction; cfg != nil && len(cfg.Clauses) > 0 {
		if !evaluateClauses(cfg.Clauses, interactionValues(interaction)) {
			edge = runtime.EdgeAlternative
		}
	}
	ref.step.SetData("edge", string(edge))

	if err := engine.advance(ctx, store, &activity, ref.run, ref.step, edge); err != nil {
		var integrity *GraphIntegrityError
		if errors.As(err, &integrity) {
			return errors.Join(queue.ErrReject, err)
		}
		return err
	}

	stepsTotal.WithLabelValues(string(runtime.NodeTypeInteraction), resultFinished).Inc()
	return nil
}

func interactionByStep(activity *runtime.Activity, stepKey int64) *runtime.Interaction {
	for i := range activity.Interactions {
		if activity.Interactions[i].StepKey == stepKey {
			return &activity.Interactions[i]
		}
	}
	return nil
}

// interactionValues flattens the finished answers into the field bag
// clause evaluation reads; later answers of the same field win.
func interactionValues(interaction *runtime.Interaction) map[string]any {
	values := map[string]any{}
	for i := range interaction.Answers {
		answer := &interaction.Answers[i]
		if answer.Status != runtime.StepStatusFinished || answer.Data == nil {
			continue
		}
		for k, v := range draftValues(answer.Data) {
			if v != nil {
				values[k] = v
			}
		}
	}
	return values
}

func participantPermitted(interaction *runtime.Interaction, userKey int64) bool {
	if len(interaction.PermittedParticipants) == 0 {
		return true
	}
	for _, p := range interaction.PermittedParticipants {
		if p.Key == userKey {
			return true
		}
	}
	return false
}

// interactionConfig walks back from an interaction record to the node
// config that produced it.
func interactionConfig(activity *runtime.Activity, interaction *runtime.Interaction) *runtime.InteractionConfig {
	run := activity.RunByKey(interaction.RunKey)
	if run == nil {
		return nil
	}
	step := run.StepByKey(interaction.StepKey)
	if step == nil {
		return nil
	}
	node := run.Graph.NodeByID(step.NodeID)
	if node == nil {
		return nil
	}
	return node.Interaction
}
