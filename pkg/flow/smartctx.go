package flow

import (
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

// activityScope builds the smart-value context of an activity: the nested
// map that ${{activity.*}} references navigate. Option-backed field values
// render as their labels, not their stored values, since the output lands
// in user-facing text.
func activityScope(activity *runtime.Activity) map[string]any {
	fields := map[string]any{}
	for i := range activity.FormDraft.Fields {
		field := &activity.FormDraft.Fields[i]
		if field.System {
			continue
		}
		fields[field.ID] = fieldDisplayValue(field)
	}

	requesters := make([]any, 0, len(activity.Requesters))
	for _, r := range activity.Requesters {
		requesters = append(requesters, map[string]any{
			"name":          r.Name,
			"email":         r.Email,
			"matriculation": r.Matriculation,
		})
	}

	scope := map[string]any{
		"name":        activity.Name,
		"description": activity.Description,
		"protocol":    activity.Protocol,
		"status":      activity.Status.Name,
		"requesters":  requesters,
		"fields":      fields,
	}
	if activity.DueDate != nil {
		scope["due_date"] = activity.DueDate.Format("2006-01-02")
	}
	if activity.Parent != 0 {
		scope["parent"] = activity.Parent
	}

	return map[string]any{"activity": scope}
}

// fieldDisplayValue maps stored option values back to their labels. Slice
// values (checkbox, multiselect) map element-wise into a fan-out friendly
// []any.
func fieldDisplayValue(field *runtime.FormField) any {
	if !field.Type.HasOptions() {
		return field.Value
	}
	if items, ok := field.Value.([]any); ok {
		labels := make([]any, 0, len(items))
		for _, item := range items {
			labels = append(labels, optionLabel(field, item))
		}
		return labels
	}
	if field.Value == nil {
		return nil
	}
	return optionLabel(field, field.Value)
}

func optionLabel(field *runtime.FormField, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	for _, opt := range field.Options {
		if opt.Value == s {
			return opt.Label
		}
	}
	return s
}

// draftValues flattens a form draft into the field-id keyed bag clause
// evaluation reads from.
func draftValues(draft *runtime.FormDraft) map[string]any {
	values := map[string]any{}
	for i := range draft.Fields {
		values[draft.Fields[i].ID] = draft.Fields[i].Value
	}
	return values
}
