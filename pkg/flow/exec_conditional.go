package flow

import (
	"context"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

// executeConditional evaluates the node's conjunction and routes the run
// through the default edge when true, the alternative edge when false.
func (engine *Engine) executeConditional(ctx context.Context, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	cfg := ref.node.Conditional

	values := clauseValues(activity, cfg.FormKey)
	edge := runtime.EdgeDefault
	if !evaluateClauses(cfg.Clauses, values) {
		edge = runtime.EdgeAlternative
	}

	ref.step.SetData("edge", string(edge))
	return stepOutcome{edge: edge}, nil
}

// clauseValues selects the answer source a conditional reads from: the
// activity's own form draft when the keys match, otherwise the collected
// answers of the interaction created from that form.
func clauseValues(activity *runtime.Activity, formKey int64) map[string]any {
	if formKey == 0 || formKey == activity.FormKey || formKey == activity.FormDraft.Key {
		return draftValues(&activity.FormDraft)
	}

	values := map[string]any{}
	for i := range activity.Interactions {
		interaction := &activity.Interactions[i]
		if interaction.Form.Key != formKey {
			continue
		}
		for k, v := range interactionValues(interaction) {
			values[k] = v
		}
	}
	return values
}
