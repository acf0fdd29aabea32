package flow

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

// evaluateClauses evaluates a conjunction over a bag of field values.
// Evaluation short-circuits on the first false clause.
func evaluateClauses(clauses []runtime.ConditionClause, values map[string]any) bool {
	for _, clause := range clauses {
		if !evaluateClause(clause, values) {
			return false
		}
	}
	return true
}

func evaluateClause(clause runtime.ConditionClause, values map[string]any) bool {
	value, present := values[clause.Field]

	// null checks see a missing field as empty; every other operator
	// treats a missing field as a failed comparison.
	switch clause.Operator {
	case runtime.OperatorIsNull:
		return isEmpty(value)
	case runtime.OperatorIsNotNull:
		return !isEmpty(value)
	}
	if !present {
		return false
	}

	switch clause.Operator {
	case runtime.OperatorEq:
		return looseEqual(value, clause.Value)
	case runtime.OperatorNe:
		return !looseEqual(value, clause.Value)
	case runtime.OperatorGt:
		cmp, ok := compare(value, clause.Value)
		return ok && cmp > 0
	case runtime.OperatorLt:
		cmp, ok := compare(value, clause.Value)
		return ok && cmp < 0
	case runtime.OperatorGte:
		cmp, ok := compare(value, clause.Value)
		return ok && cmp >= 0
	case runtime.OperatorLte:
		cmp, ok := compare(value, clause.Value)
		return ok && cmp <= 0
	case runtime.OperatorIn:
		return contains(clause.Value, value)
	case runtime.OperatorNotIn:
		return !contains(clause.Value, value)
	}
	return false
}

// isEmpty reports whether a value counts as null for the null operators:
// absent, nil, blank string, false, zero, or an empty collection.
func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	}
	if f, ok := toFloat(value); ok {
		return f == 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// looseEqual compares numerically when both sides parse as numbers,
// otherwise by string rendering. Submitted form values and designer-typed
// clause values rarely agree on concrete types.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any) (int, bool) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1, true
	case sa > sb:
		return 1, true
	}
	return 0, true
}

// contains reports whether value (or, for multi-valued fields, any of its
// elements) is a member of the clause's list.
func contains(list any, value any) bool {
	items, ok := list.([]any)
	if !ok {
		return looseEqual(list, value)
	}
	candidates := []any{value}
	if vs, ok := value.([]any); ok {
		candidates = vs
	}
	for _, item := range items {
		for _, candidate := range candidates {
			if looseEqual(item, candidate) {
				return true
			}
		}
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
