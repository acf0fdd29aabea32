package flow

import (
	"context"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/script"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// executeScript runs the node's source on the script host, handing it the
// activity context and the project variables. The exported result lands in
// the step data for later inspection.
func (engine *Engine) executeScript(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	if engine.scripts == nil {
		return stepOutcome{}, newEngineErrorf("node %s needs a script host but none is configured", ref.node.ID)
	}

	vars, err := engine.variables(ctx, store, ref.run)
	if err != nil {
		return stepOutcome{}, err
	}

	scope := script.Scope{
		Vars:     vars,
		Activity: activityScope(activity)["activity"].(map[string]any),
	}
	result, err := engine.scripts.Run(ctx, ref.node.Script.Source, scope)
	if err != nil {
		return stepOutcome{}, err
	}

	if result != nil {
		ref.step.SetData("result", result)
	}
	return stepOutcome{edge: runtime.EdgeDefault}, nil
}
