package runner

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const dateLayout = "2006-01-02"

func argFuncs(at time.Time) template.FuncMap {
	return template.FuncMap{
		"today": func() string {
			return at.Format(dateLayout)
		},
		"daysAgo": func(n int) string {
			return at.AddDate(0, 0, -n).Format(dateLayout)
		},
		"now": func(layout string) string {
			return at.Format(layout)
		},
	}
}

// ValidateArgs reports the first argument whose placeholder cannot be parsed.
func ValidateArgs(args []string) error {
	_, err := ExpandArgs(args, time.Time{})
	return err
}

// ExpandArgs renders every argument containing a placeholder against the
// trigger time. Plain arguments are returned untouched.
func ExpandArgs(args []string, at time.Time) ([]string, error) {
	out := make([]string, len(args))
	funcs := argFuncs(at)

	for i, arg := range args {
		if !strings.Contains(arg, "{{") {
			out[i] = arg
			continue
		}

		tmpl, err := template.New("arg").Funcs(funcs).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid argument %q: %w", arg, err)
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, nil); err != nil {
			return nil, fmt.Errorf("failed to expand argument %q: %w", arg, err)
		}
		out[i] = buf.String()
	}

	return out, nil
}
