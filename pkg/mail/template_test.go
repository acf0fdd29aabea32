package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
)

func TestRender(t *testing.T) {
	tmpl := runtime.EmailTemplate{
		Subject: "Chamado ${{activity.protocol}}",
		HTML:    "<p>Olá, ${{activity.name}}!</p>",
		CSS:     "p { color: #333; }",
	}
	scope := map[string]any{
		"activity": map[string]any{
			"protocol": "2026000042",
			"name":     "Compra de insumos",
		},
	}

	subject, html := Render(tmpl, scope)
	assert.Equal(t, "Chamado 2026000042", subject)
	assert.Equal(t, "<style>p { color: #333; }</style><p>Olá, Compra de insumos!</p>", html)
}

func TestRenderMissingReferences(t *testing.T) {
	tmpl := runtime.EmailTemplate{Subject: "${{activity.unknown}}", HTML: "<p>x</p>"}

	subject, html := Render(tmpl, map[string]any{})
	assert.Equal(t, "-", subject)
	assert.Equal(t, "<p>x</p>", html)
}
