package anchor

import "strings"

type Verdict string

const (
	VerdictIntact    Verdict = "intact"
	VerdictRelocated Verdict = "relocated"
	VerdictStale     Verdict = "stale"
)

// Health describes how a stored anchor fits the current projection. For
// relocated anchors StartOffset and EndOffset hold the suggested new span.
type Health struct {
	Verdict     Verdict `json:"verdict"`
	StartOffset int     `json:"startOffset"`
	EndOffset   int     `json:"endOffset"`
}

// Reanchor checks [start, end) against projection. When the span no longer
// holds selectedText it looks for the occurrence of selectedText closest to
// the old start.
func Reanchor(projection string, start, end int, selectedText string) Health {
	want := strings.TrimSpace(selectedText)
	total := Len(projection)
	if start >= 0 && start < end && end <= total {
		if strings.TrimSpace(Slice(projection, start, end)) == want {
			return Health{Verdict: VerdictIntact, StartOffset: start, EndOffset: end}
		}
	}
	if want == "" {
		return Health{Verdict: VerdictStale, StartOffset: start, EndOffset: end}
	}

	best := -1
	bestDistance := 0
	for from := 0; from <= len(projection); {
		idx := strings.Index(projection[from:], want)
		if idx < 0 {
			break
		}
		at := from + idx
		unitAt := Len(projection[:at])
		distance := unitAt - start
		if distance < 0 {
			distance = -distance
		}
		if best < 0 || distance < bestDistance {
			best = unitAt
			bestDistance = distance
		}
		from = at + 1
	}
	if best < 0 {
		return Health{Verdict: VerdictStale, StartOffset: start, EndOffset: end}
	}
	return Health{Verdict: VerdictRelocated, StartOffset: best, EndOffset: best + Len(want)}
}
