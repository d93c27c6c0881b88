package engine

import "strings"

// Render substitutes {placeholder} tokens in a conversation template.
// Unknown placeholders are left untouched so operator typos stay visible.
func Render(template string, vars map[string]string) string {
	if template == "" || len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// templateVars builds the standard substitution set for conversation replies.
func templateVars(customerName, contestName string) map[string]string {
	return map[string]string{
		"customer_name": customerName,
		"contest_name":  contestName,
	}
}
