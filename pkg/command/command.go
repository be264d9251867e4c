package command

import (
	"strings"
	"unicode"
)

// DefaultPrefix marks a message as a bot command.
const DefaultPrefix = "!"

// Parsed is one command line split into its verb and raw argument text.
type Parsed struct {
	Verb string
	Args string
}

// Parse splits text into a lowercased verb and the remaining argument text.
//
// It reports false when text does not start with prefix. A bare prefix parses
// to an empty verb, which callers treat as an unknown command.
func Parse(text string, prefix string) (Parsed, bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasPrefix(text, prefix) {
		return Parsed{}, false
	}

	body := strings.TrimSpace(strings.TrimPrefix(text, prefix))
	verb, args := body, ""
	if idx := strings.IndexFunc(body, unicode.IsSpace); idx >= 0 {
		verb = body[:idx]
		args = strings.TrimLeftFunc(body[idx:], unicode.IsSpace)
	}

	return Parsed{Verb: strings.ToLower(verb), Args: args}, true
}
