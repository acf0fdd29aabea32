package flow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/mail"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// executeInteraction fans a response form out to its recipients and parks
// the step until enough answers arrive. Each recipient gets an idle answer
// slot; the quorum rule decides how many must finish before the run moves.
func (engine *Engine) executeInteraction(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	cfg := ref.node.Interaction

	form, err := store.FindFormByKey(ctx, cfg.FormKey)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("interaction form %d not found: %w", cfg.FormKey, err)
	}

	recipients, err := engine.expandUsers(ctx, store, activity, cfg.To)
	if err != nil {
		return stepOutcome{}, err
	}
	if len(recipients) == 0 {
		return stepOutcome{}, newEngineErrorf("interaction node %s resolved no recipients", ref.node.ID)
	}

	permitted, err := engine.expandUsers(ctx, store, activity, cfg.PermittedParticipants)
	if err != nil {
		return stepOutcome{}, err
	}

	interaction := runtime.Interaction{
		ID:                    uuid.NewString(),
		RunKey:                ref.run.Key,
		StepKey:               ref.step.Key,
		Form:                  form.Published.Clone(),
		WaitFor:               CalculateWaitFor(cfg, len(recipients)),
		CanAddParticipants:    cfg.CanAddParticipants,
		PermittedParticipants: permitted,
		CreatedAt:             engine.clock(),
	}
	if due := slaDeadline(cfg, engine.clock()); due != nil {
		interaction.DueDate = due
	}
	for _, r := range recipients {
		interaction.Answers = append(interaction.Answers, runtime.InteractionAnswer{
			ID:     uuid.NewString(),
			User:   r,
			Status: runtime.StepStatusIdle,
		})
	}

	activity.Interactions = append(activity.Interactions, interaction)
	ref.step.SetData("interactionId", interaction.ID)

	engine.notifyInteraction(ctx, activity, recipients)

	return stepOutcome{idle: true}, nil
}

// CalculateWaitFor resolves the quorum rule of an interaction node against
// the actual recipient count. The result is always within [1, recipients].
func CalculateWaitFor(cfg *runtime.InteractionConfig, recipients int) int {
	if recipients < 1 {
		return 1
	}
	switch {
	case cfg.WaitForOne, cfg.WaitType == runtime.WaitTypeAny:
		return 1
	case cfg.WaitType == runtime.WaitTypeCustom:
		if cfg.WaitValue < 1 {
			return 1
		}
		if cfg.WaitValue > recipients {
			return recipients
		}
		return cfg.WaitValue
	}
	return recipients
}

// slaDeadline turns the node's SLA into an absolute due date.
func slaDeadline(cfg *runtime.InteractionConfig, now time.Time) *time.Time {
	if cfg.SLAValue <= 0 {
		return nil
	}
	var unit time.Duration
	switch cfg.SLAUnit {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days", "":
		unit = 24 * time.Hour
	default:
		return nil
	}
	due := now.Add(time.Duration(cfg.SLAValue) * unit)
	return &due
}

// expandUsers resolves a designer-authored recipient list into user
// snapshots: the requesters placeholder expands to the activity's
// requesters, every other entry is a user or institute key whose active
// members are looked up.
func (engine *Engine) expandUsers(ctx context.Context, store storage.Storage, activity *runtime.Activity, entries []string) ([]runtime.UserRef, error) {
	var refs []runtime.UserRef
	seen := map[int64]bool{}
	add := func(r runtime.UserRef) {
		if r.Key == 0 || seen[r.Key] {
			return
		}
		seen[r.Key] = true
		refs = append(refs, r)
	}

	var keys []int64
	for _, entry := range entries {
		if entry == recipientRequesters {
			for _, r := range activity.Requesters {
				add(r)
			}
			continue
		}
		key, err := strconv.ParseInt(entry, 10, 64)
		if err != nil {
			return nil, newEngineErrorf("recipient %q is not a user or institute key", entry)
		}
		keys = append(keys, key)
	}

	if len(keys) > 0 {
		users, err := store.FindActiveUsers(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("failed to expand recipients: %w", err)
		}
		for _, u := range users {
			add(u.Ref())
		}
	}
	return refs, nil
}

func (engine *Engine) notifyInteraction(ctx context.Context, activity *runtime.Activity, recipients []runtime.UserRef) {
	for _, r := range recipients {
		if r.Email == "" {
			continue
		}
		m := mail.Mail{
			To:      []string{r.Email},
			Subject: fmt.Sprintf("Your response is needed: %s (protocol %s)", activity.Name, activity.Protocol),
			HTML: fmt.Sprintf("<p>Hello %s,</p><p>The request <strong>%s</strong> is waiting for your response.</p>%s",
				r.Name, activity.Name, engine.activityLink(activity.Key)),
		}
		if err := engine.mailer.Send(ctx, m); err != nil {
			log.Error("failed to notify %s about interaction on activity %d: %s", r.Email, activity.Key, err)
		}
	}
}
