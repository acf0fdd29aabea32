package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/mail"
	"github.com/flowdesk/flowdesk/pkg/smartvalue"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// recipientRequesters is the placeholder that expands to the activity's
// current requesters in recipient lists.
const recipientRequesters = "requesters"

// executeSendEmail renders the configured template against the activity
// context and delivers it.
func (engine *Engine) executeSendEmail(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	cfg := ref.node.SendEmail

	template, err := store.FindEmailTemplateByKey(ctx, cfg.TemplateKey)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("email template %d not found: %w", cfg.TemplateKey, err)
	}

	scope := activityScope(activity)
	recipients, err := engine.resolveRecipients(ctx, store, activity, cfg.To, scope)
	if err != nil {
		return stepOutcome{}, err
	}
	if len(recipients) == 0 {
		return stepOutcome{}, newEngineErrorf("email node %s resolved no recipients", ref.node.ID)
	}

	subject, html := mail.Render(template, scope)
	m := mail.Mail{
		From:    cfg.Sender,
		To:      recipients,
		Subject: subject,
		HTML:    html,
	}
	if err := engine.mailer.Send(ctx, m); err != nil {
		return stepOutcome{}, fmt.Errorf("failed to deliver email for node %s: %w", ref.node.ID, err)
	}

	ref.step.SetData("recipients", recipients)
	return stepOutcome{edge: runtime.EdgeDefault}, nil
}

// resolveRecipients expands a designer-authored recipient list. Entries are
// smart-value templates first; each resolved entry then splits on commas
// and is either a literal address, the requesters placeholder, or a user
// key to look up.
func (engine *Engine) resolveRecipients(ctx context.Context, store storage.Storage, activity *runtime.Activity, entries []string, scope map[string]any) ([]string, error) {
	var recipients []string
	seen := map[string]bool{}
	add := func(email string) {
		email = strings.TrimSpace(email)
		if email == "" || email == smartvalue.Missing || seen[email] {
			return
		}
		seen[email] = true
		recipients = append(recipients, email)
	}

	for _, entry := range entries {
		resolved := smartvalue.Replace(entry, scope)
		for _, part := range strings.Split(resolved, ",") {
			part = strings.TrimSpace(part)
			switch {
			case part == "":
			case part == recipientRequesters:
				for _, r := range activity.Requesters {
					add(r.Email)
				}
			case strings.Contains(part, "@"):
				add(part)
			default:
				key, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					return nil, newEngineErrorf("recipient %q is neither an address nor a user key", part)
				}
				user, err := store.FindUserByKey(ctx, key)
				if err != nil {
					return nil, fmt.Errorf("recipient user %d not found: %w", key, err)
				}
				add(user.Email)
			}
		}
	}
	return recipients, nil
}
