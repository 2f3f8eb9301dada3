// Package anchor converts between selections inside a rendered HTML container
// and character offsets into the container's text projection.
//
// The text projection is the concatenation of every text node under the
// container in document order. Offsets count UTF-16 code units so that
// offsets measured by a browser host and offsets measured here agree.
package anchor

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipped reports whether n is an element whose text never reaches the screen.
func skipped(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Template, atom.Noscript:
		return true
	}
	return false
}

// walkText calls fn for every projected text node under root, in document
// order, until fn returns false.
func walkText(root *html.Node, fn func(*html.Node) bool) bool {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if !fn(c) {
				return false
			}
		case html.ElementNode, html.DocumentNode:
			if skipped(c) {
				continue
			}
			if !walkText(c, fn) {
				return false
			}
		}
	}
	return true
}

// TextNodes returns the projected text nodes under root in document order.
func TextNodes(root *html.Node) []*html.Node {
	var nodes []*html.Node
	if root == nil {
		return nodes
	}
	walkText(root, func(n *html.Node) bool {
		nodes = append(nodes, n)
		return true
	})
	return nodes
}

// Projection returns the text projection of root and its length in offset units.
func Projection(root *html.Node) (string, int) {
	if root == nil {
		return "", 0
	}
	var b strings.Builder
	walkText(root, func(n *html.Node) bool {
		b.WriteString(n.Data)
		return true
	})
	text := b.String()
	return text, Len(text)
}

// Contains reports whether n is root or one of its descendants.
func Contains(root, n *html.Node) bool {
	if root == nil {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

// nextNode returns the node after n in document order without descending
// into skipped elements.
func nextNode(n *html.Node) *html.Node {
	if n.FirstChild != nil && !skipped(n) {
		return n.FirstChild
	}
	for p := n; p != nil; p = p.Parent {
		if p.NextSibling != nil {
			return p.NextSibling
		}
	}
	return nil
}

func nextText(n *html.Node) *html.Node {
	for c := nextNode(n); c != nil; c = nextNode(c) {
		if c.Type == html.TextNode && !insideSkipped(c) {
			return c
		}
	}
	return nil
}

func insideSkipped(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if skipped(p) {
			return true
		}
	}
	return false
}
