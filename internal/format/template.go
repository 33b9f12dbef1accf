package format

import "strings"

const (
	VariablePlaceholder = "{variableName}"

	DefaultTitleTemplate   = "Time to record {variableName}"
	DefaultMessageTemplate = "How is your {variableName} today?"
)

// Render substitutes the variable name into tpl, falling back when tpl is nil or blank.
func Render(tpl *string, fallback, variableName string) string {
	t := fallback
	if tpl != nil && strings.TrimSpace(*tpl) != "" {
		t = *tpl
	}
	return strings.ReplaceAll(t, VariablePlaceholder, variableName)
}

func Title(tpl *string, variableName string) string {
	return Render(tpl, DefaultTitleTemplate, variableName)
}

func Body(tpl *string, variableName string) string {
	return Render(tpl, DefaultMessageTemplate, variableName)
}
