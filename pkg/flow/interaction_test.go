package flow

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

func interactionForm(t *testing.T) runtime.Form {
	t.Helper()
	key := engineStorage.GenerateId()
	form := runtime.Form{
		Key:  key,
		Slug: "approval",
		Name: "Approval",
		Type: runtime.FormTypeInteraction,
		Published: runtime.FormDraft{
			Key:  key,
			Name: "Approval",
			Fields: []runtime.FormField{
				{ID: "approved", Type: runtime.FieldTypeRadio, Options: []runtime.FieldOption{
					{Label: "Yes", Value: "yes"},
					{Label: "No", Value: "no"},
				}},
			},
		},
		Active: true,
	}
	assert.NoError(t, engineStorage.SeedForm(t.Context(), form))
	return form
}

// seedInteractionPipeline builds start -> ask -> approve/reject and
// creates one activity parked on the ask step.
func seedInteractionPipeline(t *testing.T, cfg runtime.InteractionConfig) (runtime.Activity, runtime.StatusRef, runtime.StatusRef) {
	t.Helper()
	approved := seedStatus(t, "Approved")
	rejected := seedStatus(t, "Rejected")
	fix := seedPipeline(t, nil,
		startNode("ask"),
		runtime.Node{
			ID:          "ask",
			Type:        runtime.NodeTypeInteraction,
			Name:        "Ask approvers",
			Interaction: &cfg,
			Next: map[runtime.EdgeName]string{
				runtime.EdgeDefault:     "approve",
				runtime.EdgeAlternative: "reject",
			},
		},
		runtime.Node{ID: "approve", Type: runtime.NodeTypeChangeStatus, ChangeStatus: &runtime.ChangeStatusConfig{StatusKey: approved.Key}},
		runtime.Node{ID: "reject", Type: runtime.NodeTypeChangeStatus, ChangeStatus: &runtime.ChangeStatusConfig{StatusKey: rejected.Key}},
	)

	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{FormKey: fix.form.Key, Automatic: true})
	assert.NoError(t, err)
	return reload(t, created.Key), approved, rejected
}

func userKeys(users ...runtime.User) []string {
	keys := make([]string, 0, len(users))
	for _, u := range users {
		keys = append(keys, strconv.FormatInt(u.Key, 10))
	}
	return keys
}

func TestInteractionAnyQuorumAdvancesAfterFirstAnswer(t *testing.T) {
	resetRecorders()
	form := interactionForm(t)
	ana := seedUser(t, "Ana", "ana@example.com")
	bruno := seedUser(t, "Bruno", "bruno@example.com")

	activity, approved, _ := seedInteractionPipeline(t, runtime.InteractionConfig{
		FormKey:  form.Key,
		To:       userKeys(ana, bruno),
		WaitType: runtime.WaitTypeAny,
		Clauses:  []runtime.ConditionClause{{Field: "approved", Operator: runtime.OperatorEq, Value: "yes"}},
	})

	// parked on the ask step with one idle slot per recipient
	assert.Equal(t, runtime.ActivityStateProcessing, activity.State)
	interaction := activity.Interactions[0]
	assert.Len(t, interaction.Answers, 2)
	assert.Equal(t, 1, interaction.WaitFor)
	assert.Len(t, mailbox.sent(), 2)

	// first answer meets the quorum and the run moves on
	err := engine.AnswerInteraction(t.Context(), "default", activity.Key, interaction.ID, interaction.Answers[0].ID, map[string]any{"approved": "yes"})
	assert.NoError(t, err)

	after := reload(t, activity.Key)
	assert.Equal(t, runtime.ActivityStateFinished, after.State)
	assert.Equal(t, approved.Key, after.Status.Key)
	assert.True(t, after.Interactions[0].Finished)

	// a late answer on the finished interaction is refused
	err = engine.AnswerInteraction(t.Context(), "default", activity.Key, interaction.ID, interaction.Answers[1].ID, map[string]any{"approved": "no"})
	assert.Error(t, err)
}

func TestQuorumSettlesPendingAnswers(t *testing.T) {
	resetRecorders()
	form := interactionForm(t)
	ana := seedUser(t, "Ana", "ana@example.com")
	bruno := seedUser(t, "Bruno", "bruno@example.com")
	carla := seedUser(t, "Carla", "carla@example.com")

	activity, _, _ := seedInteractionPipeline(t, runtime.InteractionConfig{
		FormKey:  form.Key,
		To:       userKeys(ana, bruno, carla),
		WaitType: runtime.WaitTypeAny,
		Clauses:  []runtime.ConditionClause{{Field: "approved", Operator: runtime.OperatorEq, Value: "yes"}},
	})
	interaction := activity.Interactions[0]

	assert.NoError(t, engine.AnswerInteraction(t.Context(), "default", activity.Key, interaction.ID, interaction.Answers[0].ID, map[string]any{"approved": "yes"}))

	// the stragglers' slots are closed out with the interaction, none stays idle
	after := reload(t, activity.Key)
	assert.True(t, after.Interactions[0].Finished)
	for _, answer := range after.Interactions[0].Answers {
		assert.Equal(t, runtime.StepStatusFinished, answer.Status)
	}
	// only the real answer carries data
	assert.NotNil(t, after.Interactions[0].Answers[0].Data)
	assert.Nil(t, after.Interactions[0].Answers[1].Data)
	assert.Nil(t, after.Interactions[0].Answers[2].Data)
}

func TestInteractionAllQuorumWaitsForEveryAnswer(t *testing.T) {
	resetRecorders()
	form := interactionForm(t)
	ana := seedUser(t, "Ana", "ana@example.com")
	bruno := seedUser(t, "Bruno", "bruno@example.com")

	activity, approved, _ := seedInteractionPipeline(t, runtime.InteractionConfig{
		FormKey:  form.Key,
		To:       userKeys(ana, bruno),
		WaitType: runtime.WaitTypeAll,
		Clauses:  []runtime.ConditionClause{{Field: "approved", Operator: runtime.OperatorEq, Value: "yes"}},
	})
	interaction := activity.Interactions[0]
	assert.Equal(t, 2, interaction.WaitFor)

	assert.NoError(t, engine.AnswerInteraction(t.Context(), "default", activity.Key, interaction.ID, interaction.Answers[0].ID, map[string]any{"approved": "yes"}))
	between := reload(t, activity.Key)
	assert.Equal(t, runtime.ActivityStateProcessing, between.State)
	assert.False(t, between.Interactions[0].Finished)

	assert.NoError(t, engine.AnswerInteraction(t.Context(), "default", activity.Key, interaction.ID, interaction.Answers[1].ID, map[string]any{"approved": "yes"}))
	after := reload(t, activity.Key)
	assert.Equal(t, runtime.ActivityStateFinished, after.State)
	assert.Equal(t, approved.Key, after.Status.Key)
}

func TestInteractionClausesRouteAlternative(t *testing.T) {
	resetRecorders()
	form := interactionForm(t)
	ana := seedUser(t, "Ana", "ana@example.com")

	activity, _, rejected := seedInteractionPipeline(t, runtime.InteractionConfig{
		FormKey:  form.Key,
		To:       userKeys(ana),
		WaitType: runtime.WaitTypeAny,
		Clauses:  []runtime.ConditionClause{{Field: "approved", Operator: runtime.OperatorEq, Value: "yes"}},
	})
	interaction := activity.Interactions[0]

	assert.NoError(t, engine.AnswerInteraction(t.Context(), "default", activity.Key, interaction.ID, interaction.Answers[0].ID, map[string]any{"approved": "no"}))

	after := reload(t, activity.Key)
	assert.Equal(t, runtime.ActivityStateFinished, after.State)
	assert.Equal(t, rejected.Key, after.Status.Key)
}

func TestInteractionOpenParticipantsHoldQuorum(t *testing.T) {
	resetRecorders()
	form := interactionForm(t)
	ana := seedUser(t, "Ana", "ana@example.com")
	bruno := seedUser(t, "Bruno", "bruno@example.com")

	activity, approved, _ := seedInteractionPipeline(t, runtime.InteractionConfig{
		FormKey:            form.Key,
		To:                 userKeys(ana),
		WaitType:           runtime.WaitTypeAny,
		CanAddParticipants: true,
		Clauses:            []runtime.ConditionClause{{Field: "approved", Operator: runtime.OperatorEq, Value: "yes"}},
	})
	interaction := activity.Interactions[0]

	// the quorum is met but participant selection is still open
	assert.NoError(t, engine.AnswerInteraction(t.Context(), "default", activity.Key, interaction.ID, interaction.Answers[0].ID, map[string]any{"approved": "yes"}))
	held := reload(t, activity.Key)
	assert.Equal(t, runtime.ActivityStateProcessing, held.State)

	// adding a participant grows the answer set
	assert.NoError(t, engine.AddParticipants(t.Context(), "default", activity.Key, interaction.ID, []int64{bruno.Key}))
	grown := reload(t, activity.Key)
	assert.Len(t, grown.Interactions[0].Answers, 2)

	// closing selection releases the held quorum
	assert.NoError(t, engine.CloseParticipants(t.Context(), "default", activity.Key, interaction.ID))
	after := reload(t, activity.Key)
	assert.Equal(t, runtime.ActivityStateFinished, after.State)
	assert.Equal(t, approved.Key, after.Status.Key)
}

func TestForceFinishInteractionProceedsWithPartialAnswers(t *testing.T) {
	resetRecorders()
	form := interactionForm(t)
	ana := seedUser(t, "Ana", "ana@example.com")
	bruno := seedUser(t, "Bruno", "bruno@example.com")

	activity, _, rejected := seedInteractionPipeline(t, runtime.InteractionConfig{
		FormKey:  form.Key,
		To:       userKeys(ana, bruno),
		WaitType: runtime.WaitTypeAll,
		Clauses:  []runtime.ConditionClause{{Field: "approved", Operator: runtime.OperatorEq, Value: "yes"}},
	})
	interaction := activity.Interactions[0]

	// nobody answered yes before the deadline
	assert.NoError(t, engine.ForceFinishInteraction(t.Context(), "default", activity.Key, interaction.ID))

	after := reload(t, activity.Key)
	assert.Equal(t, runtime.ActivityStateFinished, after.State)
	assert.Equal(t, rejected.Key, after.Status.Key)
	assert.True(t, after.Interactions[0].Finished)
}

func TestCalculateWaitFor(t *testing.T) {
	tests := map[string]struct {
		cfg        runtime.InteractionConfig
		recipients int
		want       int
	}{
		"all":                 {runtime.InteractionConfig{WaitType: runtime.WaitTypeAll}, 3, 3},
		"default is all":      {runtime.InteractionConfig{}, 4, 4},
		"any":                 {runtime.InteractionConfig{WaitType: runtime.WaitTypeAny}, 3, 1},
		"legacy wait for one": {runtime.InteractionConfig{WaitForOne: true, WaitType: runtime.WaitTypeAll}, 3, 1},
		"custom":              {runtime.InteractionConfig{WaitType: runtime.WaitTypeCustom, WaitValue: 2}, 3, 2},
		"custom clamps high":  {runtime.InteractionConfig{WaitType: runtime.WaitTypeCustom, WaitValue: 9}, 3, 3},
		"custom clamps low":   {runtime.InteractionConfig{WaitType: runtime.WaitTypeCustom, WaitValue: 0}, 3, 1},
		"no recipients":       {runtime.InteractionConfig{WaitType: runtime.WaitTypeAll}, 0, 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, CalculateWaitFor(&tc.cfg, tc.recipients))
		})
	}
}

func TestAddParticipantsRefusesOutsiders(t *testing.T) {
	resetRecorders()
	form := interactionForm(t)
	ana := seedUser(t, "Ana", "ana@example.com")
	bruno := seedUser(t, "Bruno", "bruno@example.com")
	carla := seedUser(t, "Carla", "carla@example.com")

	activity, _, _ := seedInteractionPipeline(t, runtime.InteractionConfig{
		FormKey:               form.Key,
		To:                    userKeys(ana),
		WaitType:              runtime.WaitTypeAll,
		CanAddParticipants:    true,
		PermittedParticipants: userKeys(bruno),
	})
	interaction := activity.Interactions[0]

	assert.Error(t, engine.AddParticipants(t.Context(), "default", activity.Key, interaction.ID, []int64{carla.Key}))
	assert.NoError(t, engine.AddParticipants(t.Context(), "default", activity.Key, interaction.ID, []int64{bruno.Key}))

	after := reload(t, activity.Key)
	assert.Len(t, after.Interactions[0].Answers, 2)
}
