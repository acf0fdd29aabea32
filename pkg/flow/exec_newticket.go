package flow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/smartvalue"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// executeNewTicket spawns a sub-ticket from another form, seeding its
// fields with smart values resolved against the parent. The child runs its
// own workflow independently; only the parent link ties them together.
func (engine *Engine) executeNewTicket(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	cfg := ref.node.NewTicket

	scope := activityScope(activity)
	values := make(map[string]any, len(cfg.Fields))
	for fieldID, template := range cfg.Fields {
		values[fieldID] = smartvalue.Replace(template, scope)
	}

	req := CreateActivityRequest{
		FormKey:   cfg.FormKey,
		Values:    values,
		Parent:    activity.Key,
		Automatic: true,
	}
	if len(activity.Requesters) > 0 {
		requester := activity.LastRequester()
		req.Requester = &requester
	}

	child, err := engine.CreateActivity(ctx, activity.Tenant, req)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to spawn sub-ticket from node %s: %w", ref.node.ID, err)
	}

	// step data round-trips through JSON documents, where large integers
	// lose precision; keys are stashed as strings
	ref.step.SetData("activityKey", strconv.FormatInt(child.Key, 10))
	ref.step.SetData("protocol", child.Protocol)
	return stepOutcome{edge: runtime.EdgeDefault}, nil
}
