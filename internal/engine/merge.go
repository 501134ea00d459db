package engine

import (
	"math"
	"strings"

	"github.com/stenobot/steno/pkg/provider/asr"
)

// mergeSegments aligns text segments against speaker segments by walking the
// timeline. Speaker intervals are authoritative for attribution; text carries
// the content. When a text span straddles a speaker change its words are
// distributed proportionally to the covered fraction of the span. Text spans
// that overlap no speaker interval are attributed to the nearest one.
//
// Speaker ids in the output are renumbered densely from 0 in order of first
// appearance.
func mergeSegments(speakers, texts []asr.Segment) []asr.Segment {
	if len(speakers) == 0 {
		return nil
	}

	var out []asr.Segment
	for _, b := range texts {
		over := overlapping(speakers, b)
		switch len(over) {
		case 0:
			a := nearestSegment(speakers, b)
			out = append(out, asr.Segment{
				Speaker: a.Speaker,
				Text:    b.Text,
				BeginMS: b.BeginMS,
				EndMS:   b.EndMS,
			})
		case 1:
			out = append(out, asr.Segment{
				Speaker: over[0].Speaker,
				Text:    b.Text,
				BeginMS: b.BeginMS,
				EndMS:   b.EndMS,
			})
		default:
			out = append(out, splitProportionally(over, b)...)
		}
	}
	return renumberSpeakers(out)
}

// overlapping returns the speaker segments whose half-open interval overlaps
// [b.BeginMS, b.EndMS).
func overlapping(speakers []asr.Segment, b asr.Segment) []asr.Segment {
	var out []asr.Segment
	for _, a := range speakers {
		if a.BeginMS < b.EndMS && b.BeginMS < a.EndMS {
			out = append(out, a)
		}
	}
	return out
}

// nearestSegment returns the speaker segment closest in time to b.
func nearestSegment(speakers []asr.Segment, b asr.Segment) asr.Segment {
	best := speakers[0]
	bestDist := int64(math.MaxInt64)
	for _, a := range speakers {
		var d int64
		switch {
		case a.EndMS <= b.BeginMS:
			d = b.BeginMS - a.EndMS
		case b.EndMS <= a.BeginMS:
			d = a.BeginMS - b.EndMS
		default:
			d = 0
		}
		if d < bestDist {
			best, bestDist = a, d
		}
	}
	return best
}

// splitProportionally distributes b's words across the overlapping speaker
// segments by the fraction of b's interval each covers, emitting one merged
// segment per non-empty word slice.
func splitProportionally(over []asr.Segment, b asr.Segment) []asr.Segment {
	words := strings.Fields(b.Text)
	total := b.EndMS - b.BeginMS
	if len(words) == 0 || total <= 0 {
		// No way to apportion; whole span goes to the first speaker.
		return []asr.Segment{{Speaker: over[0].Speaker, Text: b.Text, BeginMS: b.BeginMS, EndMS: b.EndMS}}
	}

	var out []asr.Segment
	used := 0
	for i, a := range over {
		var n int
		if i == len(over)-1 {
			n = len(words) - used
		} else {
			ov := min(a.EndMS, b.EndMS) - max(a.BeginMS, b.BeginMS)
			n = int(math.Round(float64(len(words)) * float64(ov) / float64(total)))
			if n > len(words)-used {
				n = len(words) - used
			}
		}
		if n <= 0 {
			continue
		}
		out = append(out, asr.Segment{
			Speaker: a.Speaker,
			Text:    strings.Join(words[used:used+n], " "),
			BeginMS: max(a.BeginMS, b.BeginMS),
			EndMS:   min(a.EndMS, b.EndMS),
		})
		used += n
	}
	return out
}

// renumberSpeakers maps speaker ids to a dense 0-based sequence in order of
// first appearance.
func renumberSpeakers(segs []asr.Segment) []asr.Segment {
	ids := make(map[int]int)
	for i, s := range segs {
		id, ok := ids[s.Speaker]
		if !ok {
			id = len(ids)
			ids[s.Speaker] = id
		}
		segs[i].Speaker = id
	}
	return segs
}

// MinDialogueTransitions is the least number of speaker changes a merged
// sequence must show before it is treated as a conversation. Fewer changes
// with two detected speakers usually means misdetection.
const MinDialogueTransitions = 3

// IsDialogue reports whether segs represent a genuine multi-speaker
// conversation: at least two distinct speakers and at least
// [MinDialogueTransitions] speaker changes.
func IsDialogue(segs []asr.Segment) bool {
	return uniqueSpeakers(segs) >= 2 && speakerTransitions(segs) >= MinDialogueTransitions
}

// uniqueSpeakers counts distinct speaker ids in segs.
func uniqueSpeakers(segs []asr.Segment) int {
	seen := make(map[int]struct{})
	for _, s := range segs {
		seen[s.Speaker] = struct{}{}
	}
	return len(seen)
}

// speakerTransitions counts adjacent pairs of segments with different
// speakers.
func speakerTransitions(segs []asr.Segment) int {
	n := 0
	for i := 1; i < len(segs); i++ {
		if segs[i].Speaker != segs[i-1].Speaker {
			n++
		}
	}
	return n
}
