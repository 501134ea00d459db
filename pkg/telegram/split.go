package telegram

import "strings"

// SplitMessage breaks text into parts of at most limit runes, preferring
// paragraph boundaries, then line boundaries, then word boundaries. A hard
// cut is the last resort for a single over-long token.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var parts []string
	rest := text
	for len([]rune(rest)) > limit {
		head, tail := cut(rest, limit)
		parts = append(parts, head)
		rest = tail
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// cut takes the largest prefix of s within limit runes that ends at the best
// available boundary and returns it with the trimmed remainder.
func cut(s string, limit int) (head, tail string) {
	runes := []rune(s)
	window := string(runes[:limit])

	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > 0 {
			return strings.TrimSpace(window[:i]), strings.TrimSpace(s[i+len(sep):])
		}
	}
	// No boundary inside the window; hard cut.
	return window, strings.TrimSpace(string(runes[limit:]))
}
