package drivers

import "regexp"

// varRE matches :name variable references in script text.
var varRE = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// Substitute replaces :name references that have a binding in vars.
// Replacement is textual; references inside string literals are not
// treated specially. Drivers that feed scripts to an in-process engine
// or upload them elsewhere share this behavior.
func Substitute(script string, vars map[string]string) string {
	if len(vars) == 0 {
		return script
	}
	return varRE.ReplaceAllStringFunc(script, func(m string) string {
		if v, ok := vars[m[1:]]; ok {
			return v
		}
		return m
	})
}
