package config

import (
	"fmt"
	"strings"
)

// SplitArgs splits a command line on whitespace. Single and double quotes group
// words, and a "{{ ... }}" placeholder is always kept as one argument. An
// unterminated quote or placeholder is an error.
func SplitArgs(s string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		inArg   bool
		braces  int
	)

	flush := func() {
		if inArg {
			args = append(args, current.String())
		}
		current.Reset()
		inArg = false
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case braces > 0:
			current.WriteRune(r)
			if r == '}' && i+1 < len(runes) && runes[i+1] == '}' {
				current.WriteRune('}')
				i++
				braces--
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == '{' && i+1 < len(runes) && runes[i+1] == '{':
			current.WriteString("{{")
			i++
			braces++
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			current.WriteRune(r)
			inArg = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in %q", quote, s)
	}
	if braces > 0 {
		return nil, fmt.Errorf("unterminated {{ in %q", s)
	}
	flush()

	return args, nil
}
