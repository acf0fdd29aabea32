package runtime

import "time"

type FieldType string

const (
	FieldTypeText        FieldType = "text"
	FieldTypeNumber      FieldType = "number"
	FieldTypeDate        FieldType = "date"
	FieldTypeSelect      FieldType = "select"
	FieldTypeRadio       FieldType = "radio"
	FieldTypeCheckbox    FieldType = "checkbox"
	FieldTypeMultiselect FieldType = "multiselect"
	FieldTypeFile        FieldType = "file"
	FieldTypeUser        FieldType = "user"
)

// optionFieldTypes carry an options list that maps stored values to labels.
var optionFieldTypes = map[FieldType]bool{
	FieldTypeSelect:      true,
	FieldTypeRadio:       true,
	FieldTypeCheckbox:    true,
	FieldTypeMultiselect: true,
}

func (t FieldType) HasOptions() bool {
	return optionFieldTypes[t]
}

type FieldOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type FormField struct {
	ID       string        `json:"id"`
	Type     FieldType     `json:"type"`
	Label    string        `json:"label,omitempty"`
	Required bool          `json:"required,omitempty"`
	Options  []FieldOption `json:"options,omitempty"`
	// System fields are engine-populated and excluded from smart values.
	System bool `json:"system,omitempty"`
	Value  any  `json:"value,omitempty"`
}

// FormDraft is the schema-plus-values snapshot attached to an activity at
// submission time. It is a deep copy of the published template: later edits
// to the template do not alter submitted history.
type FormDraft struct {
	Key    int64       `json:"key"`
	Name   string      `json:"name"`
	Fields []FormField `json:"fields"`
}

func (d *FormDraft) FieldByID(id string) *FormField {
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			return &d.Fields[i]
		}
	}
	return nil
}

// Clone returns a deep copy that shares no mutable state with the receiver.
func (d FormDraft) Clone() FormDraft {
	out := d
	out.Fields = make([]FormField, len(d.Fields))
	copy(out.Fields, d.Fields)
	for i := range out.Fields {
		if len(d.Fields[i].Options) > 0 {
			out.Fields[i].Options = append([]FieldOption(nil), d.Fields[i].Options...)
		}
	}
	return out
}

// ApplyValues writes submitted values into matching fields of the draft.
func (d *FormDraft) ApplyValues(values map[string]any) {
	for i := range d.Fields {
		if v, ok := values[d.Fields[i].ID]; ok {
			d.Fields[i].Value = v
		}
	}
}

type FormType string

const (
	FormTypeCreated     FormType = "created"
	FormTypeInteraction FormType = "interaction"
	FormTypeTimeTrigger FormType = "time_trigger"
)

// Form is the template-level aggregate a ticket is created from.
type Form struct {
	Key              int64     `json:"key"`
	Slug             string    `json:"slug"`
	Name             string    `json:"name"`
	Type             FormType  `json:"type"`
	Published        FormDraft `json:"published"`
	InitialStatusKey int64     `json:"initialStatusKey"`
	WorkflowKey      int64     `json:"workflowKey"`
	Active           bool      `json:"active"`
}

// Workflow is the template-level aggregate whose published graph snapshot
// runs are copied from.
type Workflow struct {
	Key        int64  `json:"key"`
	Name       string `json:"name"`
	ProjectKey int64  `json:"projectKey"`
	Published  *Graph `json:"published,omitempty"`
}

type VariableType string

const (
	VariableTypePlain  VariableType = "variable"
	VariableTypeSecret VariableType = "secret"
)

// Variable is a tenant-scoped project variable; secret values are stored
// encrypted and decrypted only when handed to scripts and web requests.
type Variable struct {
	Name  string       `json:"name"`
	Type  VariableType `json:"type"`
	Value string       `json:"value"`
}

type Project struct {
	Key       int64      `json:"key"`
	Name      string     `json:"name"`
	Variables []Variable `json:"variables,omitempty"`
}

type EmailTemplate struct {
	Key     int64  `json:"key"`
	Slug    string `json:"slug"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	CSS     string `json:"css,omitempty"`
}

type Institute struct {
	Key     int64  `json:"key"`
	Name    string `json:"name"`
	Acronym string `json:"acronym,omitempty"`
}

type User struct {
	Key           int64       `json:"key"`
	Name          string      `json:"name"`
	Email         string      `json:"email"`
	Matriculation string      `json:"matriculation,omitempty"`
	Active        bool        `json:"active"`
	Institutes    []Institute `json:"institutes,omitempty"`
}

func (u User) Ref() UserRef {
	return UserRef{Key: u.Key, Name: u.Name, Email: u.Email, Matriculation: u.Matriculation}
}

type FiringStatus string

const (
	FiringStatusPending   FiringStatus = "pending"
	FiringStatusCompleted FiringStatus = "completed"
	FiringStatusFailed    FiringStatus = "failed"
)

// Firing is one planned occurrence of a schedule; the Finished flag guards
// the at-most-once claim.
type Firing struct {
	ID          string       `json:"id"`
	At          time.Time    `json:"at"`
	Finished    bool         `json:"finished"`
	Status      FiringStatus `json:"status"`
	ActivityKey int64        `json:"activityKey,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Schedule is a recurring trigger that creates activities from a cron
// expression. Firings is an append-only log of past and planned occurrences.
type Schedule struct {
	Key         int64      `json:"key"`
	FormKey     int64      `json:"formKey"`
	WorkflowKey int64      `json:"workflowKey"`
	Cron        string     `json:"cron"`
	Timezone    string     `json:"timezone,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	// Repeat caps the number of completed firings; zero means unbounded.
	Repeat  int      `json:"repeat,omitempty"`
	Active  bool     `json:"active"`
	Firings []Firing `json:"firings,omitempty"`
}

// CompletedFirings counts firings that ran to completion.
func (s *Schedule) CompletedFirings() int {
	n := 0
	for i := range s.Firings {
		if s.Firings[i].Status == FiringStatusCompleted {
			n++
		}
	}
	return n
}

// NextDue returns the earliest unfinished firing due at or before now.
func (s *Schedule) NextDue(now time.Time) *Firing {
	var due *Firing
	for i := range s.Firings {
		f := &s.Firings[i]
		if f.Finished || f.At.After(now) {
			continue
		}
		if due == nil || f.At.Before(due.At) {
			due = f
		}
	}
	return due
}
