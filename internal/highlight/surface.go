// Package highlight paints annotation spans into a rendered container.
package highlight

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"marginalia/api/internal/anchor"
)

const (
	wrapperClass  = "annotation-highlight"
	attrID        = "data-annotation-id"
	attrStatus    = "data-annotation-status"
	attrSplit     = "data-highlight-split"
	attrSplitID   = "data-highlight-split-id"
	attrSplitFrom = "data-highlight-origin"
)

var (
	ErrStaleAnchor = errors.New("highlight: anchor does not resolve")
	ErrEmptyRange  = errors.New("highlight: range has no visible text")
	ErrWrapFailed  = errors.New("highlight: range could not be wrapped")
)

// Mark is what a wrapper carries for its annotation.
type Mark struct {
	ID     string
	Status string
	Title  string
}

// Surface is the mutation boundary of the renderer. Implementations own a
// container whose text projection must never change through these calls.
type Surface interface {
	WrapRange(start, end int, mark Mark) error
	UnwrapAll() int
}

// HTMLSurface implements Surface over a parsed HTML subtree.
type HTMLSurface struct {
	root   *html.Node
	splits int
}

func NewHTMLSurface(root *html.Node) *HTMLSurface {
	return &HTMLSurface{root: root}
}

func (s *HTMLSurface) Root() *html.Node {
	return s.root
}

// WrapRange wraps projection span [start, end) in a highlight wrapper. It
// surrounds the span in place when the span sits under a single parent and
// otherwise extracts it, cloning partially covered elements.
func (s *HTMLSurface) WrapRange(start, end int, mark Mark) error {
	rng, ok := anchor.Locate(s.root, start, end)
	if !ok {
		return fmt.Errorf("%w: [%d,%d)", ErrStaleAnchor, start, end)
	}
	if strings.TrimSpace(rng.String()) == "" {
		return ErrEmptyRange
	}

	first, last := splitRange(rng)
	first, last = liftBoundaries(s.root, first, last)

	wrapper := newWrapper(mark)
	err := guard(func() error { return surround(wrapper, first, last) })
	if err == nil {
		return nil
	}
	err = guard(func() error { return s.extract(wrapper, first, last) })
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrWrapFailed, err)
}

// UnwrapAll removes every wrapper, puts split elements back together and
// merges adjacent text nodes. It returns the number of wrappers removed.
func (s *HTMLSurface) UnwrapAll() int {
	var wrappers []*html.Node
	visit(s.root, func(n *html.Node) {
		if IsWrapper(n) {
			wrappers = append(wrappers, n)
		}
	})
	for _, w := range wrappers {
		hoist(w)
	}
	mergeSplits(s.root)
	normalize(s.root)
	s.splits = 0
	return len(wrappers)
}

// IsWrapper reports whether n is a highlight wrapper.
func IsWrapper(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode || n.DataAtom != atom.Span {
		return false
	}
	if attr(n, attrID) == "" {
		return false
	}
	for _, class := range strings.Fields(attr(n, "class")) {
		if class == wrapperClass {
			return true
		}
	}
	return false
}

// WrapperID returns the annotation id carried by wrapper n.
func WrapperID(n *html.Node) string {
	return attr(n, attrID)
}

// PaintedIDs returns the distinct annotation ids painted under root, in
// document order of their first wrapper.
func PaintedIDs(root *html.Node) []string {
	seen := map[string]bool{}
	var ids []string
	visit(root, func(n *html.Node) {
		if !IsWrapper(n) || attr(n, attrSplit) != "" {
			return
		}
		id := attr(n, attrID)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	})
	return ids
}

func newWrapper(mark Mark) *html.Node {
	status := mark.Status
	if status == "" {
		status = "open"
	}
	w := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr: []html.Attribute{
			{Key: "class", Val: wrapperClass + " " + status},
			{Key: attrID, Val: mark.ID},
			{Key: attrStatus, Val: status},
		},
	}
	if mark.Title != "" {
		w.Attr = append(w.Attr, html.Attribute{Key: "title", Val: mark.Title})
	}
	return w
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tree surgery panicked: %v", r)
		}
	}()
	return fn()
}

func visit(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		fn(c)
		visit(c, fn)
		c = next
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key && a.Namespace == "" {
			return a.Val
		}
	}
	return ""
}
