// internal/service/template_service.go
package service

import (
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}|\{([A-Za-z0-9_]+)\}`)

// RenderTemplate substitutes {{name}} and {name} placeholders from data. Unknown names
// render as empty strings.
func RenderTemplate(template string, data map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		return data[name]
	})
}
