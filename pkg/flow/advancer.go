package flow

import (
	"context"
	"fmt"

	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/queue"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// advance moves the run one edge forward from the given finished step.
//
// When the edge leads to a node, a new in_queue step execution is appended,
// the activity is persisted and only then is the task dispatched: a crash
// between save and dispatch leaves a queued step a sweep can re-dispatch,
// never a dispatched task naming an unpersisted step.
//
// When the edge is terminal the run is finished, and once no run remains
// active the activity itself is finished.
func (engine *Engine) advance(ctx context.Context, store storage.Storage, activity *runtime.Activity, run *runtime.WorkflowRun, from *runtime.StepExecution, edge runtime.EdgeName) error {
	node := run.Graph.NodeByID(from.NodeID)
	if node == nil {
		return &GraphIntegrityError{ActivityKey: activity.Key, RunKey: run.Key,
			Msg: "finished step references node " + from.NodeID + " absent from the graph snapshot"}
	}

	nextID := node.NextID(edge)
	if nextID == "" {
		return engine.finishRun(ctx, store, activity, run)
	}

	next := run.Graph.NodeByID(nextID)
	if next == nil {
		return &GraphIntegrityError{ActivityKey: activity.Key, RunKey: run.Key,
			Msg: "edge " + string(edge) + " of node " + node.ID + " points at missing node " + nextID}
	}

	// every node is visited at most once per run, so a run takes at most
	// |nodes| steps; a repeat visit means the graph has a cycle
	for i := range run.Steps {
		if run.Steps[i].NodeID == next.ID {
			return &GraphIntegrityError{ActivityKey: activity.Key, RunKey: run.Key,
				Msg: "node " + next.ID + " would be visited twice"}
		}
	}

	queued := runtime.StepExecution{
		Key:       engine.generateKey(),
		NodeID:    next.ID,
		Status:    runtime.StepStatusInQueue,
		CreatedAt: engine.clock(),
	}
	run.Steps = append(run.Steps, queued)

	if err := store.SaveActivity(ctx, activity); err != nil {
		return fmt.Errorf("failed to persist activity %d before dispatch: %w", activity.Key, err)
	}

	msg := queue.TaskMessage{
		Tenant:      activity.Tenant,
		ActivityKey: activity.Key,
		RunKey:      run.Key,
		StepKey:     queued.Key,
	}
	if err := engine.dispatcher.Enqueue(ctx, queue.ForNode(next.Type), msg); err != nil {
		return fmt.Errorf("failed to dispatch step %d of activity %d: %w", queued.Key, activity.Key, err)
	}

	log.Debug("activity %d advanced to node %s (step %d)", activity.Key, next.ID, queued.Key)
	return nil
}

// advanceActive is the callback-side advance: the caller knows only that the
// run should move on from wherever it is positioned. A run with no active
// step cannot be advanced, which is a document corruption, not a transient.
func (engine *Engine) advanceActive(ctx context.Context, store storage.Storage, activity *runtime.Activity, run *runtime.WorkflowRun, edge runtime.EdgeName) error {
	step := run.ActiveStep()
	if step == nil {
		return &GraphIntegrityError{ActivityKey: activity.Key, RunKey: run.Key, Msg: "no active step to advance from"}
	}
	step.Status = runtime.StepStatusFinished
	return engine.advance(ctx, store, activity, run, step, edge)
}

func (engine *Engine) finishRun(ctx context.Context, store storage.Storage, activity *runtime.Activity, run *runtime.WorkflowRun) error {
	run.Finished = true
	if activity.ActiveRun() == nil {
		now := engine.clock()
		activity.State = runtime.ActivityStateFinished
		activity.FinishedAt = &now
	}

	if err := store.SaveActivity(ctx, activity); err != nil {
		return fmt.Errorf("failed to persist finished run %d of activity %d: %w", run.Key, activity.Key, err)
	}

	if activity.State == runtime.ActivityStateFinished {
		log.Infof(log.WithTenant(ctx, activity.Tenant), "activity %d finished", activity.Key)
	}
	return nil
}
