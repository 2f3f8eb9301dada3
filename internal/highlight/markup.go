package highlight

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"marginalia/api/internal/annotations"
)

// ParseContainer parses an HTML fragment into the children of a fresh div
// container.
func ParseContainer(markup string) (*html.Node, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), root)
	if err != nil {
		return root, fmt.Errorf("parse container: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

// RenderContainer serialises the children of root, without root itself.
func RenderContainer(root *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return buf.String(), fmt.Errorf("render container: %w", err)
		}
	}
	return buf.String(), nil
}

// Paint returns markup with items highlighted, for one-shot rendering outside
// a live workspace.
func Paint(markup string, items []annotations.Annotation, logger *log.Logger) (string, Report, error) {
	root, err := ParseContainer(markup)
	if err != nil {
		return "", Report{}, err
	}
	report := NewRenderer(logger).Refresh(root, items, nil, true)
	out, err := RenderContainer(root)
	if err != nil {
		return "", report, err
	}
	return out, report, nil
}
