package flow

import (
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

// stepRef is a resolved position inside an activity: the run, the step
// execution and the graph node it visits.
type stepRef struct {
	run  *runtime.WorkflowRun
	step *runtime.StepExecution
	node *runtime.Node
}

// resolveStep locates the step identified by a task message inside the
// already loaded activity. Any missing piece means the persisted document
// and the message disagree, which no retry can repair.
func resolveStep(activity *runtime.Activity, runKey int64, stepKey int64) (stepRef, error) {
	run := activity.RunByKey(runKey)
	if run == nil {
		return stepRef{}, &GraphIntegrityError{ActivityKey: activity.Key, RunKey: runKey, Msg: "run does not exist"}
	}
	step := run.StepByKey(stepKey)
	if step == nil {
		return stepRef{}, &GraphIntegrityError{ActivityKey: activity.Key, RunKey: runKey, Msg: "step does not exist in run"}
	}
	node := run.Graph.NodeByID(step.NodeID)
	if node == nil {
		return stepRef{}, &GraphIntegrityError{ActivityKey: activity.Key, RunKey: runKey,
			Msg: "step references node " + step.NodeID + " absent from the graph snapshot"}
	}
	return stepRef{run: run, step: step, node: node}, nil
}
