package mail

import (
	"fmt"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/smartvalue"
)

// Render fills a stored template with smart values from the activity
// context and wraps the body with the template's stylesheet.
func Render(tmpl runtime.EmailTemplate, scope map[string]any) (subject string, html string) {
	subject = smartvalue.Replace(tmpl.Subject, scope)
	body := smartvalue.Replace(tmpl.HTML, scope)
	if tmpl.CSS != "" {
		html = fmt.Sprintf("<style>%s</style>%s", tmpl.CSS, body)
		return subject, html
	}
	return subject, body
}
