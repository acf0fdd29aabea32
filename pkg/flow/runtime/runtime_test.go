package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNodeValidateRequiresMatchingConfig(t *testing.T) {
	// given
	valid := Node{ID: "n1", Type: NodeTypeChangeStatus, ChangeStatus: &ChangeStatusConfig{StatusKey: 1}}
	missing := Node{ID: "n2", Type: NodeTypeChangeStatus}
	unknown := Node{ID: "n3", Type: NodeType("teleport")}
	start := Node{ID: StartNodeID, Type: NodeTypeStart}

	// then
	assert.NoError(t, valid.Validate())
	assert.Error(t, missing.Validate())
	assert.Error(t, unknown.Validate())
	assert.NoError(t, start.Validate())
}

func TestNodeNextID(t *testing.T) {
	node := Node{
		ID:   "check",
		Type: NodeTypeConditional,
		Next: map[EdgeName]string{
			EdgeDefault:     "approve",
			EdgeAlternative: "reject",
		},
	}

	assert.Equal(t, "approve", node.NextID(EdgeDefault))
	assert.Equal(t, "reject", node.NextID(EdgeAlternative))

	terminal := Node{ID: "last", Type: NodeTypeChangeStatus}
	assert.Equal(t, "", terminal.NextID(EdgeDefault))
}

func TestFormDraftCloneIsIndependent(t *testing.T) {
	// given
	original := FormDraft{
		Key: 1,
		Fields: []FormField{
			{ID: "priority", Type: FieldTypeSelect, Options: []FieldOption{{Label: "High", Value: "high"}}},
			{ID: "title", Type: FieldTypeText},
		},
	}

	// when
	clone := original.Clone()
	clone.Fields[0].Value = "high"
	clone.Fields[0].Options[0].Label = "Urgent"
	clone.Fields[1].Value = "changed"

	// then
	assert.Nil(t, original.Fields[0].Value)
	assert.Equal(t, "High", original.Fields[0].Options[0].Label)
	assert.Nil(t, original.Fields[1].Value)
}

func TestFormDraftApplyValuesIgnoresUnknownFields(t *testing.T) {
	draft := FormDraft{Fields: []FormField{{ID: "title", Type: FieldTypeText}}}

	draft.ApplyValues(map[string]any{
		"title":   "Broken printer",
		"phantom": "dropped",
	})

	assert.Equal(t, "Broken printer", draft.FieldByID("title").Value)
	assert.Nil(t, draft.FieldByID("phantom"))
}

func TestActiveRunSkipsFinishedRuns(t *testing.T) {
	activity := Activity{
		Workflows: []WorkflowRun{
			{Key: 1, Finished: true},
			{Key: 2},
		},
	}

	assert.Equal(t, int64(2), activity.ActiveRun().Key)

	activity.Workflows[1].Finished = true
	assert.Nil(t, activity.ActiveRun())
}

func TestFindStepSearchesAcrossRuns(t *testing.T) {
	activity := Activity{
		Workflows: []WorkflowRun{
			{Key: 1, Finished: true, Steps: []StepExecution{{Key: 10, NodeID: "start"}}},
			{Key: 2, Steps: []StepExecution{{Key: 20, NodeID: "notify"}}},
		},
	}

	run, step := activity.FindStep(20)
	assert.Equal(t, int64(2), run.Key)
	assert.Equal(t, "notify", step.NodeID)

	run, step = activity.FindStep(99)
	assert.Nil(t, run)
	assert.Nil(t, step)
}

func TestActiveStepMatchesInProgressAndIdle(t *testing.T) {
	run := WorkflowRun{Steps: []StepExecution{
		{Key: 1, Status: StepStatusFinished},
		{Key: 2, Status: StepStatusIdle},
	}}
	assert.Equal(t, int64(2), run.ActiveStep().Key)

	run.Steps[1].Status = StepStatusFinished
	assert.Nil(t, run.ActiveStep())
}

func TestInteractionFinishedAnswers(t *testing.T) {
	interaction := Interaction{Answers: []InteractionAnswer{
		{User: UserRef{Key: 1}, Status: StepStatusFinished},
		{User: UserRef{Key: 2}, Status: StepStatusIdle},
		{User: UserRef{Key: 3}, Status: StepStatusFinished},
	}}

	assert.Equal(t, 2, interaction.FinishedAnswers())
	assert.NotNil(t, interaction.AnswerByUser(2))
	assert.Nil(t, interaction.AnswerByUser(7))
}

func TestScheduleNextDue(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	schedule := Schedule{Firings: []Firing{
		{ID: "done", At: now.Add(-2 * time.Hour), Finished: true, Status: FiringStatusCompleted},
		{ID: "later", At: now.Add(-time.Hour)},
		{ID: "earlier", At: now.Add(-3 * time.Hour)},
		{ID: "future", At: now.Add(time.Hour)},
	}}

	due := schedule.NextDue(now)
	assert.NotNil(t, due)
	assert.Equal(t, "earlier", due.ID)

	assert.Equal(t, 1, schedule.CompletedFirings())
}
