package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// executeNode dispatches one claimed step to its node executor. The switch
// is exhaustive over node types; an unknown type in a persisted graph
// snapshot is corruption.
func (engine *Engine) executeNode(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	if err := ref.node.Validate(); err != nil {
		return stepOutcome{}, &GraphIntegrityError{ActivityKey: activity.Key, RunKey: ref.run.Key, Msg: err.Error()}
	}

	switch ref.node.Type {
	case runtime.NodeTypeStart:
		// start nodes do no work; runs only pass through them
		return stepOutcome{edge: runtime.EdgeDefault}, nil
	case runtime.NodeTypeChangeStatus:
		return engine.executeChangeStatus(ctx, store, activity, ref)
	case runtime.NodeTypeSendEmail:
		return engine.executeSendEmail(ctx, store, activity, ref)
	case runtime.NodeTypeConditional:
		return engine.executeConditional(ctx, activity, ref)
	case runtime.NodeTypeWebRequest:
		return engine.executeWebRequest(ctx, store, activity, ref)
	case runtime.NodeTypeScript:
		return engine.executeScript(ctx, store, activity, ref)
	case runtime.NodeTypeNewTicket:
		return engine.executeNewTicket(ctx, store, activity, ref)
	case runtime.NodeTypeSignature:
		return engine.executeSignature(ctx, activity, ref)
	case runtime.NodeTypeSwapWorkflow:
		return engine.executeSwapWorkflow(ctx, store, activity, ref)
	case runtime.NodeTypeInteraction:
		return engine.executeInteraction(ctx, store, activity, ref)
	}
	return stepOutcome{}, &GraphIntegrityError{ActivityKey: activity.Key, RunKey: ref.run.Key,
		Msg: fmt.Sprintf("node %s has unknown type %q", ref.node.ID, ref.node.Type)}
}

// variables loads the project variables of the run's workflow with secret
// values unsealed, the bag scripts and web requests read from.
func (engine *Engine) variables(ctx context.Context, store storage.Storage, run *runtime.WorkflowRun) (map[string]string, error) {
	vars := map[string]string{}
	if run.Graph.WorkflowKey == 0 {
		return vars, nil
	}

	workflow, err := store.FindWorkflowByKey(ctx, run.Graph.WorkflowKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// the template was deleted after the run started; the snapshot
			// keeps the run alive, it just has no variables anymore
			return vars, nil
		}
		return nil, err
	}
	if workflow.ProjectKey == 0 {
		return vars, nil
	}

	project, err := store.FindProjectByKey(ctx, workflow.ProjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return vars, nil
		}
		return nil, err
	}

	for _, v := range project.Variables {
		if v.Type == runtime.VariableTypeSecret {
			if engine.secrets == nil {
				return nil, newEngineErrorf("variable %s is a secret but no secrets cipher is configured", v.Name)
			}
			plain, err := engine.secrets.Decrypt(v.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to unseal variable %s: %w", v.Name, err)
			}
			vars[v.Name] = plain
			continue
		}
		vars[v.Name] = v.Value
	}
	return vars, nil
}

// templateScope is the smart-value context of templated node fields:
// the activity context plus the project variables under vars.
func templateScope(activity *runtime.Activity, vars map[string]string) map[string]any {
	scope := activityScope(activity)
	if len(vars) > 0 {
		bag := make(map[string]any, len(vars))
		for k, v := range vars {
			bag[k] = v
		}
		scope["vars"] = bag
	}
	return scope
}
