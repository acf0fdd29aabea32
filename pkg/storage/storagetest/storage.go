// Package storagetest holds a conformance suite that every storage.Storage
// implementation is expected to pass. Implementations register the suite in
// their own package tests.
package storagetest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/storage"
	"github.com/stretchr/testify/assert"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// Seeder writes template aggregates that the engine contract only reads.
// Implementations under test must provide it so the suite can prepare data.
type Seeder interface {
	SeedWorkflow(ctx context.Context, w runtime.Workflow) error
	SeedForm(ctx context.Context, f runtime.Form) error
	SeedStatus(ctx context.Context, s runtime.StatusRef) error
	SeedEmailTemplate(ctx context.Context, tmpl runtime.EmailTemplate) error
	SeedUser(ctx context.Context, u runtime.User) error
	SeedProject(ctx context.Context, p runtime.Project) error
}

type StorageTester struct {
	workflow runtime.Workflow
	form     runtime.Form
	user     runtime.User
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestActivityStorageWriter,
		st.TestActivityStorageWriterConflict,
		st.TestActivityStorageReader,
		st.TestActivityStorageReaderByStepKey,
		st.TestActivityStorageReaderByEnvelopeID,
		st.TestActivityStorageReaderOverdue,
		st.TestActivityStorageReaderByParent,
		st.TestActivityStorageReaderOpenInteractions,
		st.TestWorkflowStorageReader,
		st.TestFormStorageReader,
		st.TestUserStorageReader,
		st.TestScheduleStorageWriter,
		st.TestScheduleStorageReader,
		st.TestSequences,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getGraph(r int64) *runtime.Graph {
	return &runtime.Graph{
		Key:         r,
		WorkflowKey: r,
		Name:        fmt.Sprintf("workflow-%d", r),
		Version:     1,
		Nodes: []runtime.Node{
			{
				ID:   runtime.StartNodeID,
				Type: runtime.NodeTypeStart,
				Next: map[runtime.EdgeName]string{runtime.EdgeDefault: "set-status"},
			},
			{
				ID:           "set-status",
				Type:         runtime.NodeTypeChangeStatus,
				ChangeStatus: &runtime.ChangeStatusConfig{StatusKey: 1},
			},
		},
	}
}

func getActivity(r int64, g *runtime.Graph) runtime.Activity {
	return runtime.Activity{
		Key:      r,
		Tenant:   "test",
		Protocol: fmt.Sprintf("2026%06d", r%1000000),
		State:    runtime.ActivityStateProcessing,
		Workflows: []runtime.WorkflowRun{
			{
				Key:   r + 1,
				Graph: *g,
				Steps: []runtime.StepExecution{
					{Key: r + 2, NodeID: runtime.StartNodeID, Status: runtime.StepStatusInProgress, CreatedAt: time.Now().Truncate(time.Millisecond)},
				},
				StartedAt: time.Now().Truncate(time.Millisecond),
			},
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
}

// PrepareTestData will prepare common data for the tests.
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	seeder, ok := s.(Seeder)
	if !ok {
		t.Fatalf("storage under test does not implement storagetest.Seeder")
	}
	r := s.GenerateId()

	st.workflow = runtime.Workflow{Key: r, Name: fmt.Sprintf("workflow-%d", r), Published: getGraph(r)}
	assert.NoError(t, seeder.SeedWorkflow(t.Context(), st.workflow))

	st.form = runtime.Form{
		Key:         r,
		Slug:        fmt.Sprintf("form-%d", r),
		Name:        "request",
		Type:        runtime.FormTypeCreated,
		WorkflowKey: r,
		Active:      true,
		Published: runtime.FormDraft{
			Key: r,
			Fields: []runtime.FormField{
				{ID: "title", Type: runtime.FieldTypeText, Label: "Title", Required: true},
			},
		},
	}
	assert.NoError(t, seeder.SeedForm(t.Context(), st.form))

	st.user = runtime.User{Key: r, Name: "Test User", Email: "user@example.com", Active: true}
	assert.NoError(t, seeder.SeedUser(t.Context(), st.user))
}

func (st *StorageTester) TestActivityStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		act := getActivity(r, st.workflow.Published)

		err := s.SaveActivity(t.Context(), &act)
		assert.NoError(t, err)

		stored, err := s.FindActivityByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, stored.Key)
		assert.Equal(t, act.Revision, stored.Revision)
	}
}

func (st *StorageTester) TestActivityStorageWriterConflict(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		act := getActivity(r, st.workflow.Published)

		err := s.SaveActivity(t.Context(), &act)
		assert.NoError(t, err)

		stale := act
		stale.Revision = act.Revision - 1
		err = s.SaveActivity(t.Context(), &stale)
		assert.ErrorIs(t, err, storage.ErrConflict)
	}
}

func (st *StorageTester) TestActivityStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		_, err := s.FindActivityByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestActivityStorageReaderByStepKey(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		act := getActivity(r, st.workflow.Published)

		err := s.SaveActivity(t.Context(), &act)
		assert.NoError(t, err)

		stored, err := s.FindActivityByStepKey(t.Context(), r+2)
		assert.NoError(t, err)
		assert.Equal(t, r, stored.Key)

		_, err = s.FindActivityByStepKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestActivityStorageReaderByEnvelopeID(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		act := getActivity(r, st.workflow.Published)
		act.Documents = []runtime.SignatureEnvelope{
			{EnvelopeID: fmt.Sprintf("env-%d", r), RunKey: r + 1, StepKey: r + 2},
		}

		err := s.SaveActivity(t.Context(), &act)
		assert.NoError(t, err)

		stored, err := s.FindActivityByEnvelopeID(t.Context(), fmt.Sprintf("env-%d", r))
		assert.NoError(t, err)
		assert.Equal(t, r, stored.Key)
	}
}

func (st *StorageTester) TestActivityStorageReaderOverdue(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		past := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

		act := getActivity(r, st.workflow.Published)
		act.DueDate = &past
		err := s.SaveActivity(t.Context(), &act)
		assert.NoError(t, err)

		overdue, err := s.FindOverdueActivities(t.Context(), time.Now())
		assert.NoError(t, err)
		keys := make([]int64, 0, len(overdue))
		for _, a := range overdue {
			keys = append(keys, a.Key)
		}
		assert.Contains(t, keys, r)

		overdue, err = s.FindOverdueActivities(t.Context(), past.Add(-time.Hour))
		assert.NoError(t, err)
		for _, a := range overdue {
			assert.NotEqual(t, r, a.Key)
		}
	}
}

func (st *StorageTester) TestActivityStorageReaderByParent(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		parent := getActivity(r, st.workflow.Published)
		assert.NoError(t, s.SaveActivity(t.Context(), &parent))

		child := getActivity(s.GenerateId(), st.workflow.Published)
		child.Parent = parent.Key
		child.Automatic = true
		assert.NoError(t, s.SaveActivity(t.Context(), &child))

		children, err := s.FindActivitiesByParent(t.Context(), parent.Key)
		assert.NoError(t, err)
		assert.Len(t, children, 1)
		assert.Equal(t, child.Key, children[0].Key)

		children, err = s.FindActivitiesByParent(t.Context(), child.Key)
		assert.NoError(t, err)
		assert.Empty(t, children)
	}
}

func (st *StorageTester) TestActivityStorageReaderOpenInteractions(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		open := getActivity(r, st.workflow.Published)
		open.Interactions = []runtime.Interaction{{
			ID:      fmt.Sprintf("it-%d", r),
			RunKey:  open.Workflows[0].Key,
			StepKey: open.Workflows[0].Steps[0].Key,
			WaitFor: 1,
			Answers: []runtime.InteractionAnswer{{ID: "a1", Status: runtime.StepStatusIdle}},
		}}
		assert.NoError(t, s.SaveActivity(t.Context(), &open))

		settled := getActivity(s.GenerateId(), st.workflow.Published)
		settled.Interactions = []runtime.Interaction{{
			ID:       fmt.Sprintf("it-%d", settled.Key),
			Finished: true,
		}}
		assert.NoError(t, s.SaveActivity(t.Context(), &settled))

		found, err := s.FindActivitiesWithOpenInteractions(t.Context())
		assert.NoError(t, err)
		keys := make([]int64, 0, len(found))
		for _, a := range found {
			keys = append(keys, a.Key)
		}
		assert.Contains(t, keys, open.Key)
		assert.NotContains(t, keys, settled.Key)
	}
}

func (st *StorageTester) TestWorkflowStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		w, err := s.FindWorkflowByKey(t.Context(), st.workflow.Key)
		assert.NoError(t, err)
		assert.Equal(t, st.workflow.Key, w.Key)
		assert.NotNil(t, w.Published)

		_, err = s.FindWorkflowByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestFormStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		f, err := s.FindFormByKey(t.Context(), st.form.Key)
		assert.NoError(t, err)
		assert.Equal(t, st.form.Key, f.Key)

		f, err = s.FindFormBySlug(t.Context(), st.form.Slug)
		assert.NoError(t, err)
		assert.Equal(t, st.form.Key, f.Key)

		_, err = s.FindFormBySlug(t.Context(), "does-not-exist")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestUserStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		u, err := s.FindUserByKey(t.Context(), st.user.Key)
		assert.NoError(t, err)
		assert.Equal(t, st.user.Key, u.Key)

		users, err := s.FindActiveUsers(t.Context(), []int64{st.user.Key})
		assert.NoError(t, err)
		assert.Len(t, users, 1)

		users, err = s.FindActiveUsers(t.Context(), []int64{-1})
		assert.NoError(t, err)
		assert.Empty(t, users)
	}
}

func (st *StorageTester) TestScheduleStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		sched := runtime.Schedule{
			Key:     r,
			FormKey: st.form.Key,
			Cron:    "0 9 * * 1",
			Active:  true,
		}

		err := s.SaveSchedule(t.Context(), sched)
		assert.NoError(t, err)

		stored, err := s.FindScheduleByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, stored.Key)
	}
}

func (st *StorageTester) TestScheduleStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		now := time.Now().Truncate(time.Millisecond)
		sched := runtime.Schedule{
			Key:    r,
			Cron:   "0 9 * * 1",
			Active: true,
			Firings: []runtime.Firing{
				{ID: fmt.Sprintf("firing-%d", r), At: now.Add(-time.Minute), Status: runtime.FiringStatusPending},
			},
		}
		err := s.SaveSchedule(t.Context(), sched)
		assert.NoError(t, err)

		due, err := s.FindDueSchedules(t.Context(), now)
		assert.NoError(t, err)
		keys := make([]int64, 0, len(due))
		for _, d := range due {
			keys = append(keys, d.Key)
		}
		assert.Contains(t, keys, r)

		// claimed firings are no longer due
		sched.Firings[0].Finished = true
		sched.Firings[0].Status = runtime.FiringStatusCompleted
		err = s.SaveSchedule(t.Context(), sched)
		assert.NoError(t, err)

		due, err = s.FindDueSchedules(t.Context(), now)
		assert.NoError(t, err)
		for _, d := range due {
			assert.NotEqual(t, r, d.Key)
		}
	}
}

func (st *StorageTester) TestSequences(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		name := fmt.Sprintf("seq-%d", s.GenerateId())

		first, err := s.NextSequence(t.Context(), name)
		assert.NoError(t, err)
		second, err := s.NextSequence(t.Context(), name)
		assert.NoError(t, err)
		assert.Greater(t, second, first)
	}
}
