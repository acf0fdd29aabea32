package smartvalue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplace(t *testing.T) {
	scope := map[string]any{
		"activity": map[string]any{
			"name":     "Compra de insumos",
			"protocol": "2026000123",
			"status":   map[string]any{"name": "Em análise"},
		},
	}

	assert.Equal(t, "Olá, Compra de insumos!",
		Replace("Olá, ${{activity.name}}!", scope))
	assert.Equal(t, "2026000123 - Em análise",
		Replace("${{activity.protocol}} - ${{activity.status.name}}", scope))
	assert.Equal(t, "sem referências", Replace("sem referências", scope))
}

func TestReplaceMissingPathRendersDash(t *testing.T) {
	scope := map[string]any{"activity": map[string]any{"name": "x"}}

	assert.Equal(t, "-", Replace("${{activity.unknown}}", scope))
	assert.Equal(t, "-", Replace("${{activity.name.deeper}}", scope))
	assert.Equal(t, "-", Replace("${{}}", scope))
}

func TestReplaceArrayFanOut(t *testing.T) {
	scope := map[string]any{
		"activity": map[string]any{
			"values": []any{"a", "b"},
			"requesters": []any{
				map[string]any{"name": "Ana"},
				map[string]any{"name": "Bruno"},
			},
		},
	}

	assert.Equal(t, "a,b", Replace("${{activity.#values.value}}", scope))
	assert.Equal(t, "Ana,Bruno", Replace("${{activity.#requesters.name}}", scope))
}

func TestReplaceUnclosedTokenKeptVerbatim(t *testing.T) {
	scope := map[string]any{"activity": map[string]any{"name": "x"}}
	assert.Equal(t, "prefix ${{activity.name", Replace("prefix ${{activity.name", scope))
}

func TestLookup(t *testing.T) {
	scope := map[string]any{
		"activity": map[string]any{
			"amount": float64(1500),
			"tags":   []any{"urgent", "procurement"},
		},
	}

	val, ok := Lookup("activity.amount", scope)
	assert.True(t, ok)
	assert.Equal(t, float64(1500), val)

	val, ok = Lookup("activity.tags", scope)
	assert.True(t, ok)
	assert.Equal(t, []any{"urgent", "procurement"}, val)

	_, ok = Lookup("activity.nope", scope)
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "1500", stringify(float64(1500)))
	assert.Equal(t, "1500.5", stringify(1500.5))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, "-", stringify(nil))
}
