package config

import (
	"strings"
	"unicode"
)

// toSnake turns a dotted struct path into snake case. Acronyms stay one
// word: "Engine.URL" becomes "engine_url", "TLSConfig" becomes "tls_config".
func toSnake(s string) string {
	r := []rune(s)

	var str strings.Builder

	for i, char := range r {
		if char == '.' {
			str.WriteRune('_')
			continue
		}

		isStart := i == 0 || r[i-1] == '.'
		isEnd := i == len(r)-1 || r[i+1] == '.'
		if isStart || isEnd {
			str.WriteRune(unicode.ToLower(char))
			continue
		}

		// Write _ if beginning of word or end of acronym
		isUpper := unicode.IsUpper(char)
		prevIsUpper := unicode.IsUpper(r[i-1])
		nextIsUpper := unicode.IsUpper(r[i+1])

		isBeginningOfWord := isUpper && !prevIsUpper
		isAfterAcronym := isUpper && prevIsUpper && !nextIsUpper

		if isBeginningOfWord || isAfterAcronym {
			str.WriteRune('_')
		}

		str.WriteRune(unicode.ToLower(char))
	}

	return str.String()
}

func toScreamingSnake(s string) string {
	return strings.ToUpper(toSnake(s))
}
