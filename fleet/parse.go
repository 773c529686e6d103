package fleet

import (
	"bufio"
	"strings"
)

const (
	prefixProject = "PROJECT:"
	prefixToken   = "TOKEN:"
	prefixStatus  = "STATUS:"
)

// Creation is what the coordinator reports after creating a project.
type Creation struct {
	ProjectID string
	Tokens    []string
}

// ParseCreation reads PROJECT: and TOKEN: lines from fcauto create output.
// Unrelated lines are ignored; the last PROJECT: line wins.
func ParseCreation(out string) Creation {
	var c Creation
	scanLines(out, func(prefix, value string) {
		switch prefix {
		case prefixProject:
			c.ProjectID = value
		case prefixToken:
			if value != "" {
				c.Tokens = append(c.Tokens, value)
			}
		}
	})

	return c
}

// ParseValue returns the value of the last line starting with prefix.
func ParseValue(out, prefix string) string {
	var v string
	scanLines(out, func(p, value string) {
		if p == prefix {
			v = value
		}
	})

	return v
}

func scanLines(out string, fn func(prefix, value string)) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		for _, prefix := range []string{prefixProject, prefixToken, prefixStatus} {
			if v, ok := strings.CutPrefix(line, prefix); ok {
				fn(prefix, strings.TrimSpace(v))

				break
			}
		}
	}
}
