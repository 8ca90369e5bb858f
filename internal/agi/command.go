package agi

import "strings"

// Command joins a verb and its arguments into one command line.
// Arguments that are empty or contain whitespace or quotes are wrapped
// in double quotes, with embedded quotes and backslashes escaped, the
// way Asterisk's argument splitter expects.
func Command(verb string, args ...string) string {
	var b strings.Builder
	b.WriteString(verb)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(quote(a))
	}
	return b.String()
}

func quote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"\\") {
		return arg
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(arg) + `"`
}
