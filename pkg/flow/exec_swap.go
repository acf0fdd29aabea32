package flow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// executeSwapWorkflow retires the current run and starts a fresh one from
// another workflow's published graph. The old run keeps its full step
// history; at most one run is ever unfinished.
func (engine *Engine) executeSwapWorkflow(ctx context.Context, store storage.Storage, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	cfg := ref.node.SwapWorkflow

	workflow, err := store.FindWorkflowByKey(ctx, cfg.WorkflowKey)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("swap target workflow %d not found: %w", cfg.WorkflowKey, err)
	}
	if workflow.Published == nil {
		return stepOutcome{}, newEngineErrorf("swap target workflow %d has no published graph", workflow.Key)
	}
	if workflow.Published.Start() == nil {
		return stepOutcome{}, newEngineErrorf("swap target workflow %d graph has no start node", workflow.Key)
	}

	ref.step.Status = runtime.StepStatusFinished
	ref.step.SetData("swappedTo", strconv.FormatInt(workflow.Key, 10))
	ref.run.Finished = true

	now := engine.clock()
	next := runtime.WorkflowRun{
		Key:       engine.generateKey(),
		Graph:     *workflow.Published,
		StartedAt: now,
	}
	start := runtime.StepExecution{
		Key:       engine.generateKey(),
		NodeID:    runtime.StartNodeID,
		Status:    runtime.StepStatusFinished,
		CreatedAt: now,
	}
	next.Steps = append(next.Steps, start)
	activity.Workflows = append(activity.Workflows, next)

	run := activity.RunByKey(next.Key)
	if err := engine.advance(ctx, store, activity, run, run.StepByKey(start.Key), runtime.EdgeDefault); err != nil {
		return stepOutcome{}, fmt.Errorf("failed to enter swapped workflow %d: %w", workflow.Key, err)
	}

	return stepOutcome{done: true}, nil
}
