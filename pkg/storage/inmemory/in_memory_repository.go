package inmemory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// Storage keeps one tenant's documents in memory,
// please use NewStorage to create a new object of this type.
//
// Template aggregates (workflows, forms, statuses, templates, users,
// projects) are exposed as plain maps so tests and fixtures can seed them
// directly.
type Storage struct {
	mu sync.RWMutex

	Activities     map[int64]runtime.Activity
	Workflows      map[int64]runtime.Workflow
	Forms          map[int64]runtime.Form
	Statuses       map[int64]runtime.StatusRef
	EmailTemplates map[int64]runtime.EmailTemplate
	Users          map[int64]runtime.User
	Projects       map[int64]runtime.Project
	Schedules      map[int64]runtime.Schedule

	sequences map[string]int64
	keys      *snowflake.Node
}

func NewStorage() *Storage {
	return &Storage{
		Activities:     make(map[int64]runtime.Activity),
		Workflows:      make(map[int64]runtime.Workflow),
		Forms:          make(map[int64]runtime.Form),
		Statuses:       make(map[int64]runtime.StatusRef),
		EmailTemplates: make(map[int64]runtime.EmailTemplate),
		Users:          make(map[int64]runtime.User),
		Projects:       make(map[int64]runtime.Project),
		Schedules:      make(map[int64]runtime.Schedule),
		sequences:      make(map[string]int64),
		keys:           storage.NewKeyGenerator(),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) GenerateId() int64 {
	return mem.keys.Generate().Int64()
}

func (mem *Storage) NextSequence(ctx context.Context, name string) (int64, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.sequences[name]++
	return mem.sequences[name], nil
}

var _ storage.ActivityStorageReader = &Storage{}

func (mem *Storage) FindActivityByKey(ctx context.Context, activityKey int64) (runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Activities[activityKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return cloneActivity(res), nil
}

func (mem *Storage) FindActivityByStepKey(ctx context.Context, stepKey int64) (runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, a := range mem.Activities {
		for i := range a.Workflows {
			if a.Workflows[i].StepByKey(stepKey) != nil {
				return cloneActivity(a), nil
			}
		}
	}
	return runtime.Activity{}, storage.ErrNotFound
}

func (mem *Storage) FindActivityByEnvelopeID(ctx context.Context, envelopeID string) (runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, a := range mem.Activities {
		if a.EnvelopeByID(envelopeID) != nil {
			return cloneActivity(a), nil
		}
	}
	return runtime.Activity{}, storage.ErrNotFound
}

func (mem *Storage) FindActivitiesByParent(ctx context.Context, parentKey int64) ([]runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Activity, 0)
	for _, a := range mem.Activities {
		if a.Parent == parentKey {
			res = append(res, cloneActivity(a))
		}
	}
	return res, nil
}

func (mem *Storage) FindOverdueActivities(ctx context.Context, now time.Time) ([]runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Activity, 0)
	for _, a := range mem.Activities {
		if a.State == runtime.ActivityStateFinished || a.DueDate == nil {
			continue
		}
		if !a.DueDate.After(now) {
			res = append(res, cloneActivity(a))
		}
	}
	return res, nil
}

func (mem *Storage) FindActivitiesWithOpenInteractions(ctx context.Context) ([]runtime.Activity, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Activity, 0)
	for _, a := range mem.Activities {
		if a.State == runtime.ActivityStateFinished {
			continue
		}
		for _, it := range a.Interactions {
			if !it.Finished {
				res = append(res, cloneActivity(a))
				break
			}
		}
	}
	return res, nil
}

var _ storage.ActivityStorageWriter = &Storage{}

func (mem *Storage) SaveActivity(ctx context.Context, activity *runtime.Activity) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	stored, ok := mem.Activities[activity.Key]
	if ok && stored.Revision != activity.Revision {
		return storage.ErrConflict
	}
	activity.Revision++
	mem.Activities[activity.Key] = cloneActivity(*activity)
	return nil
}

var _ storage.WorkflowStorageReader = &Storage{}

func (mem *Storage) FindWorkflowByKey(ctx context.Context, workflowKey int64) (runtime.Workflow, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Workflows[workflowKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.FormStorageReader = &Storage{}

func (mem *Storage) FindFormByKey(ctx context.Context, formKey int64) (runtime.Form, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Forms[formKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindFormBySlug(ctx context.Context, slug string) (runtime.Form, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, f := range mem.Forms {
		if f.Slug == slug {
			return f, nil
		}
	}
	return runtime.Form{}, storage.ErrNotFound
}

var _ storage.StatusStorageReader = &Storage{}

func (mem *Storage) FindStatusByKey(ctx context.Context, statusKey int64) (runtime.StatusRef, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Statuses[statusKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.EmailTemplateStorageReader = &Storage{}

func (mem *Storage) FindEmailTemplateByKey(ctx context.Context, templateKey int64) (runtime.EmailTemplate, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.EmailTemplates[templateKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.UserStorageReader = &Storage{}

func (mem *Storage) FindUserByKey(ctx context.Context, userKey int64) (runtime.User, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Users[userKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindActiveUsers(ctx context.Context, keys []int64) ([]runtime.User, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	wanted := make(map[int64]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	res := make([]runtime.User, 0)
	for _, u := range mem.Users {
		if !u.Active {
			continue
		}
		match := wanted[u.Key]
		for _, inst := range u.Institutes {
			if wanted[inst.Key] {
				match = true
			}
		}
		if match {
			res = append(res, u)
		}
	}
	return res, nil
}

var _ storage.ProjectStorageReader = &Storage{}

func (mem *Storage) FindProjectByKey(ctx context.Context, projectKey int64) (runtime.Project, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Projects[projectKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.ScheduleStorageReader = &Storage{}

func (mem *Storage) FindScheduleByKey(ctx context.Context, scheduleKey int64) (runtime.Schedule, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Schedules[scheduleKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDueSchedules(ctx context.Context, now time.Time) ([]runtime.Schedule, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Schedule, 0)
	for _, s := range mem.Schedules {
		if !s.Active {
			continue
		}
		if s.NextDue(now) != nil {
			res = append(res, s)
		}
	}
	return res, nil
}

var _ storage.ScheduleStorageWriter = &Storage{}

func (mem *Storage) SaveSchedule(ctx context.Context, schedule runtime.Schedule) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Schedules[schedule.Key] = schedule
	return nil
}

func (mem *Storage) SeedWorkflow(ctx context.Context, w runtime.Workflow) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Workflows[w.Key] = w
	return nil
}

func (mem *Storage) SeedForm(ctx context.Context, f runtime.Form) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Forms[f.Key] = f
	return nil
}

func (mem *Storage) SeedStatus(ctx context.Context, s runtime.StatusRef) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Statuses[s.Key] = s
	return nil
}

func (mem *Storage) SeedEmailTemplate(ctx context.Context, tmpl runtime.EmailTemplate) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.EmailTemplates[tmpl.Key] = tmpl
	return nil
}

func (mem *Storage) SeedUser(ctx context.Context, u runtime.User) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Users[u.Key] = u
	return nil
}

func (mem *Storage) SeedProject(ctx context.Context, p runtime.Project) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Projects[p.Key] = p
	return nil
}

// cloneActivity deep-copies through JSON so callers never share mutable
// sub-documents with the stored copy.
func cloneActivity(a runtime.Activity) runtime.Activity {
	raw, err := json.Marshal(a)
	if err != nil {
		panic("in-memory storage: activity not serializable: " + err.Error())
	}
	var out runtime.Activity
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("in-memory storage: activity not deserializable: " + err.Error())
	}
	return out
}
