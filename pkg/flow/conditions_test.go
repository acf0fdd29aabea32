package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

func clause(field string, op runtime.Operator, value any) runtime.ConditionClause {
	return runtime.ConditionClause{Field: field, Operator: op, Value: value}
}

func TestEvaluateClause(t *testing.T) {
	values := map[string]any{
		"name":   "Ana",
		"count":  float64(3),
		"blank":  "",
		"truthy": true,
		"falsy":  false,
		"tags":   []any{"a", "b"},
		"empty":  []any{},
	}

	tests := map[string]struct {
		clause runtime.ConditionClause
		want   bool
	}{
		"eq string":              {clause("name", runtime.OperatorEq, "Ana"), true},
		"eq mismatch":            {clause("name", runtime.OperatorEq, "Bruno"), false},
		"eq number vs string":    {clause("count", runtime.OperatorEq, "3"), true},
		"ne":                     {clause("name", runtime.OperatorNe, "Bruno"), true},
		"gt":                     {clause("count", runtime.OperatorGt, 2), true},
		"gt not met":             {clause("count", runtime.OperatorGt, 3), false},
		"gte boundary":           {clause("count", runtime.OperatorGte, 3), true},
		"lt":                     {clause("count", runtime.OperatorLt, 4), true},
		"lte boundary":           {clause("count", runtime.OperatorLte, 3), true},
		"in":                     {clause("name", runtime.OperatorIn, []any{"Ana", "Bruno"}), true},
		"in miss":                {clause("name", runtime.OperatorIn, []any{"Bruno"}), false},
		"in multivalue overlap":  {clause("tags", runtime.OperatorIn, []any{"b", "z"}), true},
		"notIn":                  {clause("name", runtime.OperatorNotIn, []any{"Bruno"}), true},
		"notIn member":           {clause("name", runtime.OperatorNotIn, []any{"Ana"}), false},
		"isNull blank string":    {clause("blank", runtime.OperatorIsNull, nil), true},
		"isNull false":           {clause("falsy", runtime.OperatorIsNull, nil), true},
		"isNull empty list":      {clause("empty", runtime.OperatorIsNull, nil), true},
		"isNull missing field":   {clause("ghost", runtime.OperatorIsNull, nil), true},
		"isNull on value":        {clause("name", runtime.OperatorIsNull, nil), false},
		"isNotNull":              {clause("name", runtime.OperatorIsNotNull, nil), true},
		"isNotNull missing":      {clause("ghost", runtime.OperatorIsNotNull, nil), false},
		"missing field compares": {clause("ghost", runtime.OperatorEq, "x"), false},
		"missing field gt":       {clause("ghost", runtime.OperatorGt, 1), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluateClause(tc.clause, values))
		})
	}
}

func TestEvaluateClausesIsAConjunction(t *testing.T) {
	values := map[string]any{"a": "1", "b": "2"}

	assert.True(t, evaluateClauses(nil, values))
	assert.True(t, evaluateClauses([]runtime.ConditionClause{
		clause("a", runtime.OperatorEq, "1"),
		clause("b", runtime.OperatorEq, "2"),
	}, values))
	assert.False(t, evaluateClauses([]runtime.ConditionClause{
		clause("a", runtime.OperatorEq, "1"),
		clause("b", runtime.OperatorEq, "wrong"),
	}, values))

	// order does not change the verdict
	assert.False(t, evaluateClauses([]runtime.ConditionClause{
		clause("b", runtime.OperatorEq, "wrong"),
		clause("a", runtime.OperatorEq, "1"),
	}, values))
}
