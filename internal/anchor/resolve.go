package anchor

import (
	"strings"

	"golang.org/x/net/html"
)

// Point is a boundary point. For text nodes Offset counts units into the
// text; for any other node it is a child index.
type Point struct {
	Node   *html.Node
	Offset int
}

// Selection is the host's active text selection. Anchor and Focus may come in
// either document order.
type Selection struct {
	Anchor Point
	Focus  Point
}

func (s Selection) Collapsed() bool {
	return s.Anchor.Node == s.Focus.Node && s.Anchor.Offset == s.Focus.Offset
}

// SelectionResult is a captured selection draft. Text is trimmed; the offsets
// are those of the untrimmed selection.
type SelectionResult struct {
	Text        string `json:"text"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
}

// Capture converts sel into projection offsets over container. It returns nil
// when there is nothing to capture: no selection, a collapsed one, one
// reaching outside container, or one whose text is blank.
func Capture(container *html.Node, sel *Selection) *SelectionResult {
	if container == nil || sel == nil || sel.Anchor.Node == nil || sel.Focus.Node == nil {
		return nil
	}
	if sel.Collapsed() {
		return nil
	}
	if !Contains(container, sel.Anchor.Node) || !Contains(container, sel.Focus.Node) {
		return nil
	}

	start, ok := OffsetOf(container, sel.Anchor)
	if !ok {
		return nil
	}
	end, ok := OffsetOf(container, sel.Focus)
	if !ok {
		return nil
	}
	if start > end {
		start, end = end, start
	}
	if start == end {
		return nil
	}

	projection, _ := Projection(container)
	text := strings.TrimSpace(Slice(projection, start, end))
	if text == "" {
		return nil
	}
	return &SelectionResult{Text: text, StartOffset: start, EndOffset: end}
}

// OffsetOf returns the number of projection units in container that precede p.
func OffsetOf(container *html.Node, p Point) (int, bool) {
	if p.Node == nil || !Contains(container, p.Node) {
		return 0, false
	}

	total := 0
	var visit func(n *html.Node) bool
	visit = func(n *html.Node) bool {
		switch n.Type {
		case html.TextNode:
			if n == p.Node {
				total += clamp(p.Offset, 0, Len(n.Data))
				return true
			}
			total += Len(n.Data)
			return false
		case html.ElementNode, html.DocumentNode:
			if n != p.Node && skipped(n) {
				return Contains(n, p.Node)
			}
			i := 0
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if n == p.Node && i == p.Offset {
					return true
				}
				if visit(c) {
					return true
				}
				i++
			}
			return n == p.Node
		default:
			return n == p.Node
		}
	}

	if !visit(container) {
		return 0, false
	}
	return total, true
}

// Range is a concrete span between two text node boundaries.
type Range struct {
	StartNode   *html.Node
	StartOffset int
	EndNode     *html.Node
	EndOffset   int
}

// String returns the text the range covers.
func (r Range) String() string {
	if r.StartNode == nil || r.EndNode == nil {
		return ""
	}
	if r.StartNode == r.EndNode {
		return Slice(r.StartNode.Data, r.StartOffset, r.EndOffset)
	}
	var b strings.Builder
	b.WriteString(Slice(r.StartNode.Data, r.StartOffset, Len(r.StartNode.Data)))
	n := nextText(r.StartNode)
	for ; n != nil && n != r.EndNode; n = nextText(n) {
		b.WriteString(n.Data)
	}
	if n == r.EndNode {
		b.WriteString(Slice(r.EndNode.Data, 0, r.EndOffset))
	}
	return b.String()
}

// Locate finds the text nodes holding the projection span [start, end).
//
// A start offset on a node boundary belongs to the node it opens; an end
// offset on a boundary belongs to the node it closes. Invalid or unresolvable
// offsets report false.
func Locate(container *html.Node, start, end int) (Range, bool) {
	if container == nil || start < 0 || start >= end {
		return Range{}, false
	}

	var r Range
	pos := 0
	walkText(container, func(n *html.Node) bool {
		nodeStart := pos
		nodeEnd := pos + Len(n.Data)
		if r.StartNode == nil && start >= nodeStart && start < nodeEnd {
			r.StartNode = n
			r.StartOffset = start - nodeStart
		}
		if r.StartNode != nil && end > nodeStart && end <= nodeEnd {
			r.EndNode = n
			r.EndOffset = end - nodeStart
			return false
		}
		pos = nodeEnd
		return true
	})

	if r.StartNode == nil || r.EndNode == nil {
		return Range{}, false
	}
	return r, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
