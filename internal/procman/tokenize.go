package procman

import (
	"fmt"
	"strings"
)

// Tokenize splits a shell-style command into program and arguments. Single
// and double quotes group words; backslash escapes the next character outside
// single quotes. Unterminated quotes are an error.
func Tokenize(command string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		escaped bool
		started bool
	)
	for _, r := range command {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case quote == '\'' && r != '\'':
			current.WriteRune(r)
		case r == '\\' && quote != '\'':
			escaped = true
			started = true
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
			started = true
		case quote == 0 && (r == ' ' || r == '\t' || r == '\n'):
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if escaped {
		return nil, fmt.Errorf("command ends with dangling escape: %q", command)
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in command: %q", quote, command)
	}
	if started {
		tokens = append(tokens, current.String())
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return tokens, nil
}
