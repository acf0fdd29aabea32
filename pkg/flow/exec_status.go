package flow

import (
	"context"
	"fmt"

	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/mail"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// executeChangeStatus swaps the activity's business status and tells the
// requesters their ticket moved.
func (engine *Engine) executeChangeStatus(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	cfg := ref.node.ChangeStatus

	status, err := store.FindStatusByKey(ctx, cfg.StatusKey)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("status %d not found: %w", cfg.StatusKey, err)
	}

	previous := activity.Status
	activity.Status = status
	ref.step.SetData("from", previous.Name)
	ref.step.SetData("to", status.Name)

	engine.notifyStatusChange(ctx, activity, previous, status)

	return stepOutcome{edge: runtime.EdgeDefault}, nil
}

// notifyStatusChange is best effort: a bounced email must not error the
// step and halt the run.
func (engine *Engine) notifyStatusChange(ctx context.Context, activity *runtime.Activity, from runtime.StatusRef, to runtime.StatusRef) {
	if activity.Automatic || len(activity.Requesters) == 0 {
		return
	}

	recipients := make([]string, 0, len(activity.Requesters))
	for _, r := range activity.Requesters {
		if r.Email != "" {
			recipients = append(recipients, r.Email)
		}
	}
	if len(recipients) == 0 {
		return
	}

	m := mail.Mail{
		To:      recipients,
		Subject: fmt.Sprintf("Protocol %s: %s", activity.Protocol, to.Name),
		HTML: fmt.Sprintf("<p>Your request <strong>%s</strong> (protocol %s) moved from <em>%s</em> to <em>%s</em>.</p>%s",
			activity.Name, activity.Protocol, from.Name, to.Name, engine.activityLink(activity.Key)),
	}
	if err := engine.mailer.Send(ctx, m); err != nil {
		log.Error("failed to notify requesters of activity %d status change: %s", activity.Key, err)
	}
}

func (engine *Engine) activityLink(activityKey int64) string {
	if engine.frontend == "" {
		return ""
	}
	return fmt.Sprintf(`<p><a href="%s/activities/%d">Open the request</a></p>`, engine.frontend, activityKey)
}
