package format

import (
	"fmt"
	"strings"

	"github.com/stenobot/steno/pkg/provider/asr"
)

// RenderDialogue lays merged segments out as a conversation: consecutive
// segments of one speaker are joined into a single turn, each turn on its own
// em-dash line. With speakerLabels a "Speaker N:" line precedes each turn.
func RenderDialogue(segs []asr.Segment, speakerLabels bool) string {
	if len(segs) == 0 {
		return ""
	}

	type turn struct {
		speaker int
		parts   []string
	}
	var turns []turn
	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if len(turns) > 0 && turns[len(turns)-1].speaker == s.Speaker {
			turns[len(turns)-1].parts = append(turns[len(turns)-1].parts, text)
			continue
		}
		turns = append(turns, turn{speaker: s.Speaker, parts: []string{text}})
	}

	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		if speakerLabels {
			fmt.Fprintf(&b, "Speaker %d:\n", t.speaker+1)
		}
		b.WriteString("— ")
		b.WriteString(strings.Join(t.parts, " "))
	}
	return b.String()
}
