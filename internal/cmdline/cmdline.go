// Package cmdline splits a check command line into an argument vector.
//
// Arguments are separated by blanks (space or tab). Single or double quotes
// group characters, including blanks, into one argument and a backslash
// escapes the next character anywhere, quotes included. No shell is involved:
// globbing, variables and redirections are passed through literally.
package cmdline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmpty             = errors.New("empty command line")
	ErrUnterminatedQuote = errors.New("missing closing quote")
)

// Split parses line into argv.
func Split(line string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote byte
		inArg bool
		esc   bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case esc:
			cur.WriteByte(c)
			esc = false
		case c == '\\':
			esc = true
			inArg = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inArg = true
		case c == ' ' || c == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteByte(c)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w %q in %q", ErrUnterminatedQuote, quote, line)
	}
	if esc {
		// trailing backslash is kept literally
		cur.WriteByte('\\')
	}
	if inArg {
		args = append(args, cur.String())
	}
	if len(args) == 0 {
		return nil, ErrEmpty
	}
	return args, nil
}
