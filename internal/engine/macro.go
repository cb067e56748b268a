package engine

import (
	"strconv"
	"strings"
)

// Expand replaces $ARGn$ with args[n-1] and $NAME$ with macros[NAME] in
// line. "$$" is a literal dollar. Unknown macros are left untouched so the
// plugin sees what the configuration said.
func Expand(line string, args []string, macros map[string]string) string {
	if !strings.Contains(line, "$") {
		return line
	}
	var b strings.Builder
	b.Grow(len(line))
	for {
		i := strings.IndexByte(line, '$')
		if i < 0 {
			b.WriteString(line)
			return b.String()
		}
		b.WriteString(line[:i])
		line = line[i+1:]
		j := strings.IndexByte(line, '$')
		if j < 0 {
			b.WriteByte('$')
			b.WriteString(line)
			return b.String()
		}
		name := line[:j]
		if v, ok := lookup(name, args, macros); ok {
			b.WriteString(v)
			line = line[j+1:]
			continue
		}
		// not a macro: keep the '$' and rescan from the closing one
		b.WriteByte('$')
		b.WriteString(name)
		line = line[j:]
	}
}

func lookup(name string, args []string, macros map[string]string) (string, bool) {
	if name == "" {
		return "$", true
	}
	if n, ok := strings.CutPrefix(name, "ARG"); ok {
		i, err := strconv.Atoi(n)
		if err == nil && i >= 1 {
			if i <= len(args) {
				return args[i-1], true
			}
			return "", true
		}
	}
	v, ok := macros[name]
	return v, ok
}
