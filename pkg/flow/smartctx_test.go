package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/smartvalue"
)

func TestActivityScope(t *testing.T) {
	due := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	activity := runtime.Activity{
		Key:      1,
		Name:     "Equipment request",
		Protocol: "2026000042",
		Status:   runtime.StatusRef{Key: 2, Name: "Open"},
		Requesters: []runtime.UserRef{
			{Key: 3, Name: "Ana", Email: "ana@example.com"},
			{Key: 4, Name: "Bruno", Email: "bruno@example.com"},
		},
		DueDate: &due,
		FormDraft: runtime.FormDraft{
			Fields: []runtime.FormField{
				{ID: "title", Type: runtime.FieldTypeText, Value: "Broken printer"},
				{ID: "priority", Type: runtime.FieldTypeSelect, Value: "p1", Options: []runtime.FieldOption{
					{Label: "Urgent", Value: "p1"},
					{Label: "Normal", Value: "p2"},
				}},
				{ID: "areas", Type: runtime.FieldTypeMultiselect, Value: []any{"it", "hr"}, Options: []runtime.FieldOption{
					{Label: "IT", Value: "it"},
					{Label: "HR", Value: "hr"},
				}},
				{ID: "internal", Type: runtime.FieldTypeText, System: true, Value: "hidden"},
			},
		},
	}

	scope := activityScope(&activity)

	assert.Equal(t, "Equipment request", smartvalue.Resolve("activity.name", scope))
	assert.Equal(t, "2026000042", smartvalue.Resolve("activity.protocol", scope))
	assert.Equal(t, "Open", smartvalue.Resolve("activity.status", scope))
	assert.Equal(t, "2026-03-15", smartvalue.Resolve("activity.due_date", scope))

	// option fields resolve to labels, not stored values
	assert.Equal(t, "Broken printer", smartvalue.Resolve("activity.fields.title", scope))
	assert.Equal(t, "Urgent", smartvalue.Resolve("activity.fields.priority", scope))
	assert.Equal(t, "IT,HR", smartvalue.Resolve("activity.fields.#areas", scope))

	// requesters fan out
	assert.Equal(t, "Ana,Bruno", smartvalue.Resolve("activity.#requesters.name", scope))

	// system fields are not exposed
	assert.Equal(t, smartvalue.Missing, smartvalue.Resolve("activity.fields.internal", scope))
}

func TestTemplateScopeExposesVariables(t *testing.T) {
	activity := runtime.Activity{Name: "Request"}
	scope := templateScope(&activity, map[string]string{"api_key": "secret-1"})

	assert.Equal(t, "secret-1", smartvalue.Resolve("vars.api_key", scope))
	assert.Equal(t, "Request", smartvalue.Resolve("activity.name", scope))
}
