package highlight

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"marginalia/api/internal/anchor"
)

// Split clones remember which side of their source they were cut from.
const (
	splitPrev = "prev"
	splitNext = "next"
)

var (
	errNotSiblings  = errors.New("range boundaries do not share a parent")
	errNoAncestor   = errors.New("range boundaries have no common ancestor in the container")
	errDetachedNode = errors.New("range boundary is detached")
)

// splitRange splits the boundary text nodes of r so that the range starts at
// the beginning of first and ends at the end of last.
func splitRange(r anchor.Range) (first, last *html.Node) {
	if r.StartNode == r.EndNode {
		n := r.StartNode
		splitText(n, r.EndOffset)
		mid := splitText(n, r.StartOffset)
		if mid == nil {
			mid = n
		}
		return mid, mid
	}
	splitText(r.EndNode, r.EndOffset)
	first = splitText(r.StartNode, r.StartOffset)
	if first == nil {
		first = r.StartNode
	}
	return first, r.EndNode
}

// splitText cuts n at the unit offset and returns the node holding the text
// from the offset on: n itself for offset zero, nil when nothing follows.
func splitText(n *html.Node, units int) *html.Node {
	at := anchor.ByteIndex(n.Data, units)
	if at <= 0 {
		return n
	}
	if at >= len(n.Data) {
		return nil
	}
	tail := &html.Node{Type: html.TextNode, Data: n.Data[at:]}
	n.Data = n.Data[:at]
	n.Parent.InsertBefore(tail, n.NextSibling)
	return tail
}

var inlineElements = map[atom.Atom]bool{
	atom.A: true, atom.Abbr: true, atom.B: true, atom.Bdi: true, atom.Bdo: true,
	atom.Cite: true, atom.Code: true, atom.Data: true, atom.Del: true, atom.Dfn: true,
	atom.Em: true, atom.I: true, atom.Ins: true, atom.Kbd: true, atom.Mark: true,
	atom.Q: true, atom.S: true, atom.Samp: true, atom.Small: true, atom.Span: true,
	atom.Strong: true, atom.Sub: true, atom.Sup: true, atom.Time: true, atom.U: true,
	atom.Var: true,
}

// liftBoundaries moves boundaries that sit on the edge of an inline element
// out of it, so whole formatting runs get surrounded instead of cloned.
func liftBoundaries(root, first, last *html.Node) (*html.Node, *html.Node) {
	for first.PrevSibling == nil && first.Parent != nil && first.Parent != root &&
		inlineElements[first.Parent.DataAtom] && !anchor.Contains(first.Parent, last) {
		first = first.Parent
	}
	for last.NextSibling == nil && last.Parent != nil && last.Parent != root &&
		inlineElements[last.Parent.DataAtom] && !anchor.Contains(last.Parent, first) {
		last = last.Parent
	}
	return first, last
}

// surround moves the siblings first..last into wrapper, in place.
func surround(wrapper, first, last *html.Node) error {
	parent := first.Parent
	if parent == nil {
		return errDetachedNode
	}
	if parent != last.Parent {
		return errNotSiblings
	}
	ordered := false
	for n := first; n != nil; n = n.NextSibling {
		if n == last {
			ordered = true
			break
		}
	}
	if !ordered {
		return errNotSiblings
	}

	parent.InsertBefore(wrapper, first)
	for n := first; ; {
		next := n.NextSibling
		parent.RemoveChild(n)
		wrapper.AppendChild(n)
		if n == last {
			return nil
		}
		n = next
	}
}

// extract detaches everything between the start of first and the end of last
// into wrapper and inserts wrapper where the content used to be. Elements
// only partly inside the range are cloned the way DOM range extraction does.
func (s *HTMLSurface) extract(wrapper, first, last *html.Node) error {
	if first.Parent == nil || last.Parent == nil {
		return errDetachedNode
	}
	common := commonAncestor(first, last)
	if common == nil || !anchor.Contains(s.root, common) {
		return errNoAncestor
	}
	toChild := childToward(common, last)
	if toChild == nil || childToward(common, first) == nil {
		return errNoAncestor
	}

	ref := toChild
	if toChild == last {
		ref = toChild.NextSibling
	}
	s.moveBetween(common, first, last, wrapper)
	common.InsertBefore(wrapper, ref)
	return nil
}

// moveBetween moves the content of parent between the start of from and the
// end of to into dst. A nil from or to stands for the start or end of parent.
func (s *HTMLSurface) moveBetween(parent, from, to, dst *html.Node) {
	var fromChild, toChild *html.Node
	start := parent.FirstChild
	if from != nil {
		fromChild = childToward(parent, from)
		start = fromChild
	}
	if to != nil {
		toChild = childToward(parent, to)
	}

	var covered []*html.Node
	for c := start; c != nil; c = c.NextSibling {
		covered = append(covered, c)
		if c == toChild {
			break
		}
	}

	for _, c := range covered {
		partialStart := c == fromChild && c != from
		partialEnd := c == toChild && c != to
		if !partialStart && !partialEnd {
			parent.RemoveChild(c)
			dst.AppendChild(c)
			continue
		}
		var f, t *html.Node
		dir := splitNext
		if partialStart {
			f = from
			dir = splitPrev
		}
		if partialEnd {
			t = to
		}
		clone := s.cut(c, dir)
		s.moveBetween(c, f, t, clone)
		dst.AppendChild(clone)
	}
}

func commonAncestor(a, b *html.Node) *html.Node {
	for p := b.Parent; p != nil; p = p.Parent {
		if anchor.Contains(p, a) {
			return p
		}
	}
	return nil
}

// childToward returns the child of parent that is n or contains n.
func childToward(parent, n *html.Node) *html.Node {
	for c := n; c != nil; c = c.Parent {
		if c.Parent == parent {
			return c
		}
	}
	return nil
}

// cut returns an empty shallow clone of n that will hold the part of n on
// the dir side of a cut. Clone and source are paired by id so UnwrapAll can
// join them again.
func (s *HTMLSurface) cut(n *html.Node, dir string) *html.Node {
	s.splits++
	id := strconv.Itoa(s.splits)
	attrs := make([]html.Attribute, 0, len(n.Attr)+2)
	for _, a := range n.Attr {
		if !splitAttr(a.Key) {
			attrs = append(attrs, a)
		}
	}
	attrs = append(attrs,
		html.Attribute{Key: attrSplit, Val: dir},
		html.Attribute{Key: attrSplitID, Val: id},
	)
	setAttr(n, attrSplitFrom, strings.TrimSpace(attr(n, attrSplitFrom)+" "+id))
	return &html.Node{
		Type:      n.Type,
		Data:      n.Data,
		DataAtom:  n.DataAtom,
		Namespace: n.Namespace,
		Attr:      attrs,
	}
}

// hoist replaces w with its children.
func hoist(w *html.Node) {
	parent := w.Parent
	if parent == nil {
		return
	}
	for c := w.FirstChild; c != nil; c = w.FirstChild {
		w.RemoveChild(c)
		parent.InsertBefore(c, w)
	}
	parent.RemoveChild(w)
}

// mergeSplits folds clones made by extract back into the element they were
// cut from, restoring the markup that existed before wrapping. A clone can
// only join its source once every clone cut between them has joined, so
// passes repeat until nothing moves.
func mergeSplits(root *html.Node) {
	var clones []*html.Node
	visit(root, func(n *html.Node) {
		if n.Type == html.ElementNode && attr(n, attrSplitID) != "" {
			clones = append(clones, n)
		}
	})

	for joined := true; joined && len(clones) > 0; {
		joined = false
		pending := clones[:0]
		for _, n := range clones {
			if joinSplit(n) {
				joined = true
				continue
			}
			pending = append(pending, n)
		}
		clones = pending
	}

	visit(root, func(n *html.Node) {
		if n.Type == html.ElementNode {
			removeSplitAttrs(n)
		}
	})
}

// joinSplit moves the children of clone n into its source when the source is
// the neighbour on the side it was cut from.
func joinSplit(n *html.Node) bool {
	dir := attr(n, attrSplit)
	var source *html.Node
	switch dir {
	case splitPrev:
		source = n.PrevSibling
	case splitNext:
		source = n.NextSibling
	}
	if source == nil || source.Type != html.ElementNode || !cutFrom(source, attr(n, attrSplitID)) {
		return false
	}
	ref := source.FirstChild
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
		if dir == splitPrev {
			source.AppendChild(c)
		} else {
			source.InsertBefore(c, ref)
		}
	}
	n.Parent.RemoveChild(n)
	return true
}

func cutFrom(source *html.Node, id string) bool {
	for _, have := range strings.Fields(attr(source, attrSplitFrom)) {
		if have == id {
			return true
		}
	}
	return false
}

func splitAttr(key string) bool {
	return key == attrSplit || key == attrSplitID || key == attrSplitFrom
}

func removeSplitAttrs(n *html.Node) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if !splitAttr(a.Key) {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key && a.Namespace == "" {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// normalize drops empty text nodes and merges adjacent ones.
func normalize(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.TextNode:
			if c.Data == "" {
				n.RemoveChild(c)
			} else if prev := c.PrevSibling; prev != nil && prev.Type == html.TextNode {
				prev.Data += c.Data
				n.RemoveChild(c)
			}
		case html.ElementNode:
			normalize(c)
		}
		c = next
	}
}
