package runtime

import (
	"time"
)

// ActivityState is the lifecycle of a ticket as a whole.
type ActivityState string

const (
	ActivityStateCreated    ActivityState = "created"
	ActivityStateProcessing ActivityState = "processing"
	ActivityStateCommitted  ActivityState = "committed"
	ActivityStateFinished   ActivityState = "finished"
)

// StepStatus is the lifecycle of a single node visit within a workflow run.
//
//	in_queue -> in_progress -> { finished | idle | error }
//
// idle means the step is waiting on an external callback (interaction answer,
// signing provider webhook, asynchronous web request) before the run resumes.
type StepStatus string

const (
	StepStatusIdle       StepStatus = "idle"
	StepStatusInQueue    StepStatus = "in_queue"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusFinished   StepStatus = "finished"
	StepStatusError      StepStatus = "error"
)

// UserRef is a by-value snapshot of a user, embedded in documents so that
// later edits to the user record do not retroactively alter history.
type UserRef struct {
	Key           int64  `json:"key"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Matriculation string `json:"matriculation,omitempty"`
}

// StatusRef is a by-value snapshot of a business status label.
type StatusRef struct {
	Key  int64  `json:"key"`
	Name string `json:"name"`
}

type Comment struct {
	ID        string    `json:"id"`
	User      UserRef   `json:"user"`
	Content   string    `json:"content"`
	IsEdited  bool      `json:"isEdited"`
	CreatedAt time.Time `json:"createdAt"`
}

// Activity is the root aggregate: one ticket, created from a form submission
// or a scheduled trigger, owning its workflow runs, interactions and
// e-signature envelopes exclusively.
type Activity struct {
	Key         int64  `json:"key"`
	Tenant      string `json:"tenant"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Protocol is the human readable sequential identifier,
	// assigned once at creation and never changed.
	Protocol     string              `json:"protocol"`
	State        ActivityState       `json:"state"`
	Status       StatusRef           `json:"status"`
	Requesters   []UserRef           `json:"requesters"`
	FormKey      int64               `json:"formKey"`
	FormDraft    FormDraft           `json:"formDraft"`
	Workflows    []WorkflowRun       `json:"workflows,omitempty"`
	Interactions []Interaction       `json:"interactions,omitempty"`
	Documents    []SignatureEnvelope `json:"documents,omitempty"`
	Comments     []Comment           `json:"comments,omitempty"`
	// Parent links an automatically spawned sub-ticket to its originating activity.
	Parent     int64      `json:"parent,omitempty"`
	Automatic  bool       `json:"automatic,omitempty"`
	DueDate *time.Time `json:"dueDate,omitempty"`
	// OverdueNotifiedAt marks that the requesters were already chased
	// about the missed due date.
	OverdueNotifiedAt *time.Time `json:"overdueNotifiedAt,omitempty"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	// Revision is the optimistic concurrency token checked on save.
	Revision int64 `json:"revision"`
}

// ActiveRun returns the single unfinished workflow run, or nil when every
// run has completed. At most one run is unfinished at a time: swapping
// workflows finishes the current run before starting the next.
func (a *Activity) ActiveRun() *WorkflowRun {
	for i := range a.Workflows {
		if !a.Workflows[i].Finished {
			return &a.Workflows[i]
		}
	}
	return nil
}

func (a *Activity) RunByKey(key int64) *WorkflowRun {
	for i := range a.Workflows {
		if a.Workflows[i].Key == key {
			return &a.Workflows[i]
		}
	}
	return nil
}

// FindStep locates a step execution across all runs of the activity.
func (a *Activity) FindStep(stepKey int64) (*WorkflowRun, *StepExecution) {
	for i := range a.Workflows {
		if step := a.Workflows[i].StepByKey(stepKey); step != nil {
			return &a.Workflows[i], step
		}
	}
	return nil, nil
}

func (a *Activity) InteractionByID(id string) *Interaction {
	for i := range a.Interactions {
		if a.Interactions[i].ID == id {
			return &a.Interactions[i]
		}
	}
	return nil
}

func (a *Activity) EnvelopeByID(envelopeID string) *SignatureEnvelope {
	for i := range a.Documents {
		if a.Documents[i].EnvelopeID == envelopeID {
			return &a.Documents[i]
		}
	}
	return nil
}

// LastRequester returns the most recently added requester, used on operator
// alert cards.
func (a *Activity) LastRequester() UserRef {
	if len(a.Requesters) == 0 {
		return UserRef{}
	}
	return a.Requesters[len(a.Requesters)-1]
}

// WorkflowRun is one traversal attempt of a graph snapshot. The snapshot is
// embedded by value: the template graph is mutable and versioned, a run must
// replay against the exact version that was published when it began.
type WorkflowRun struct {
	Key       int64           `json:"key"`
	Graph     Graph           `json:"graph"`
	Steps     []StepExecution `json:"steps"`
	Finished  bool            `json:"finished"`
	StartedAt time.Time       `json:"startedAt"`
}

func (r *WorkflowRun) StepByKey(key int64) *StepExecution {
	for i := range r.Steps {
		if r.Steps[i].Key == key {
			return &r.Steps[i]
		}
	}
	return nil
}

// ActiveStep returns the step the run is currently positioned on, the one
// with status in_progress or idle.
func (r *WorkflowRun) ActiveStep() *StepExecution {
	for i := range r.Steps {
		if r.Steps[i].Status == StepStatusInProgress || r.Steps[i].Status == StepStatusIdle {
			return &r.Steps[i]
		}
	}
	return nil
}

// StepExecution records one node visit within a run. Data is a free-form bag
// node executors use to stash node specific outputs, e.g. the key of a
// spawned sub-ticket.
type StepExecution struct {
	Key    int64          `json:"key"`
	NodeID string         `json:"nodeId"`
	Status StepStatus     `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	// Attempts counts executor runs that ended in failure.
	Attempts  int       `json:"attempts,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *StepExecution) SetData(key string, value any) {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	s.Data[key] = value
}

// Interaction is a fan-out human-response request tied to one step. The run
// stays idle on that step until WaitFor answers have arrived.
type Interaction struct {
	ID      string `json:"id"`
	RunKey  int64  `json:"runKey"`
	StepKey int64  `json:"stepKey"`
	// Form is the snapshot of the form the recipients answer.
	Form    FormDraft `json:"form"`
	WaitFor int       `json:"waitFor"`
	// CanAddParticipants keeps the answer set open: quorum is not evaluated
	// until participant selection is closed.
	CanAddParticipants    bool                `json:"canAddParticipants,omitempty"`
	PermittedParticipants []UserRef           `json:"permittedParticipants,omitempty"`
	Answers               []InteractionAnswer `json:"answers"`
	Finished              bool                `json:"finished"`
	DueDate               *time.Time          `json:"dueDate,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
}

func (it *Interaction) AnswerByUser(userKey int64) *InteractionAnswer {
	for i := range it.Answers {
		if it.Answers[i].User.Key == userKey {
			return &it.Answers[i]
		}
	}
	return nil
}

// FinishedAnswers counts answers that have been submitted.
func (it *Interaction) FinishedAnswers() int {
	n := 0
	for i := range it.Answers {
		if it.Answers[i].Status == StepStatusFinished {
			n++
		}
	}
	return n
}

type InteractionAnswer struct {
	ID     string     `json:"id"`
	User   UserRef    `json:"user"`
	Status StepStatus `json:"status"`
	Data   *FormDraft `json:"data,omitempty"`
	// RemindedAt is when the recipient was last nagged about this slot.
	RemindedAt *time.Time `json:"remindedAt,omitempty"`
}

// SignatureEnvelope records a remote signing envelope created by a signature
// node, awaiting the provider's webhook to resume the run.
type SignatureEnvelope struct {
	ID         string          `json:"id"`
	RunKey     int64           `json:"runKey"`
	StepKey    int64           `json:"stepKey"`
	EnvelopeID string          `json:"envelopeId"`
	Documents  []SignedDocFile `json:"documents"`
	Closed     bool            `json:"closed"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type SignedDocFile struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Fields  map[string]string `json:"fields,omitempty"`
	Signers []EnvelopeSigner  `json:"signers"`
}

type EnvelopeSigner struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Signed bool   `json:"signed"`
}
