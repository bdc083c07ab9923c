package trigger

import "strings"

// SplitMessage splits text into chunks of at most limit runes for
// transports with a hard message size (Telegram 4096, Discord 2000).
//
// Chunks prefer the last newline before the limit; when a single line
// exceeds the limit the cut is hard. Leading newlines are stripped from
// every chunk after the first so a break at a newline does not produce
// a blank-topped message.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		if idx := lastNewline(runes[:limit]); idx > 0 {
			cut = idx
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = trimLeadingNewlines(runes[cut:])
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

func trimLeadingNewlines(runes []rune) []rune {
	for len(runes) > 0 && runes[0] == '\n' {
		runes = runes[1:]
	}
	return runes
}

// renderTemplate substitutes {name} placeholders in a prompt template.
// Shared by the drivers that carry user-configurable prompt templates.
func renderTemplate(tmpl string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
