package storage

import (
	"context"
	"errors"
	"time"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

var (
	// ErrNotFound is returned when a lookup for one exact item finds nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by revision-checked saves when the stored
	// revision no longer matches the one being written.
	ErrConflict = errors.New("revision conflict")
)

// Storage is the persistence contract of one tenant's document store.
//
// Methods that are expected to return exactly one match MUST return
// ErrNotFound when the result does not exist.
type Storage interface {
	ActivityStorageReader
	ActivityStorageWriter
	WorkflowStorageReader
	FormStorageReader
	StatusStorageReader
	EmailTemplateStorageReader
	UserStorageReader
	ProjectStorageReader
	ScheduleStorageReader
	ScheduleStorageWriter

	GenerateId() int64

	// NextSequence returns the next value of a named monotonic counter,
	// used for protocol assignment.
	NextSequence(ctx context.Context, name string) (int64, error)
}

type ActivityStorageReader interface {
	FindActivityByKey(ctx context.Context, activityKey int64) (runtime.Activity, error)

	// FindActivityByStepKey locates the activity owning the given step
	// execution, used by callback resumption where only the step key is known.
	FindActivityByStepKey(ctx context.Context, stepKey int64) (runtime.Activity, error)

	// FindActivityByEnvelopeID locates the activity owning the given signing
	// envelope.
	FindActivityByEnvelopeID(ctx context.Context, envelopeID string) (runtime.Activity, error)

	// FindActivitiesByParent returns the sub-tickets spawned from the given
	// activity.
	FindActivitiesByParent(ctx context.Context, parentKey int64) ([]runtime.Activity, error)

	// FindOverdueActivities returns unfinished activities whose due date lies
	// at or before the given instant.
	FindOverdueActivities(ctx context.Context, now time.Time) ([]runtime.Activity, error)

	// FindActivitiesWithOpenInteractions returns unfinished activities that
	// carry at least one interaction still waiting for answers.
	FindActivitiesWithOpenInteractions(ctx context.Context) ([]runtime.Activity, error)
}

type ActivityStorageWriter interface {
	// SaveActivity persists the activity. The write succeeds only when the
	// stored revision equals activity.Revision; on success the revision is
	// incremented in place. A new activity must carry revision zero.
	SaveActivity(ctx context.Context, activity *runtime.Activity) error
}

type WorkflowStorageReader interface {
	FindWorkflowByKey(ctx context.Context, workflowKey int64) (runtime.Workflow, error)
}

type FormStorageReader interface {
	FindFormByKey(ctx context.Context, formKey int64) (runtime.Form, error)
	FindFormBySlug(ctx context.Context, slug string) (runtime.Form, error)
}

type StatusStorageReader interface {
	FindStatusByKey(ctx context.Context, statusKey int64) (runtime.StatusRef, error)
}

type EmailTemplateStorageReader interface {
	FindEmailTemplateByKey(ctx context.Context, templateKey int64) (runtime.EmailTemplate, error)
}

type UserStorageReader interface {
	FindUserByKey(ctx context.Context, userKey int64) (runtime.User, error)

	// FindActiveUsers returns active users whose key or institute key is in
	// the given set, the recipient expansion of interaction nodes.
	FindActiveUsers(ctx context.Context, keys []int64) ([]runtime.User, error)
}

type ProjectStorageReader interface {
	FindProjectByKey(ctx context.Context, projectKey int64) (runtime.Project, error)
}

type ScheduleStorageReader interface {
	FindScheduleByKey(ctx context.Context, scheduleKey int64) (runtime.Schedule, error)

	// FindDueSchedules returns active schedules carrying at least one
	// unfinished firing due at or before the given instant.
	FindDueSchedules(ctx context.Context, now time.Time) ([]runtime.Schedule, error)
}

type ScheduleStorageWriter interface {
	SaveSchedule(ctx context.Context, schedule runtime.Schedule) error
}
