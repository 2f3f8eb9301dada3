package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// ProseMirrorNode is one node of a ProseMirror document tree.
type ProseMirrorNode struct {
	Type    string            `json:"type"`
	Attrs   map[string]any    `json:"attrs,omitempty"`
	Content []ProseMirrorNode `json:"content,omitempty"`
	Text    string            `json:"text,omitempty"`
	Marks   []ProseMirrorMark `json:"marks,omitempty"`
}

type ProseMirrorMark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

var blockTags = map[string]string{
	"paragraph":   "p",
	"bulletList":  "ul",
	"orderedList": "ol",
	"listItem":    "li",
	"blockquote":  "blockquote",
	"table":       "table",
	"tableRow":    "tr",
	"tableCell":   "td",
	"tableHeader": "th",
}

var markTags = map[string]string{
	"bold":      "strong",
	"italic":    "em",
	"code":      "code",
	"strike":    "s",
	"underline": "u",
}

// ContentMarkup returns markup when set and otherwise renders doc.
func ContentMarkup(markup string, doc json.RawMessage) string {
	if strings.TrimSpace(markup) != "" {
		return markup
	}
	return ProseMirrorJSONToHTML(doc)
}

// ProseMirrorJSONToHTML renders a raw ProseMirror document. Invalid JSON
// renders as nothing.
func ProseMirrorJSONToHTML(doc json.RawMessage) string {
	if len(doc) == 0 {
		return ""
	}
	var root ProseMirrorNode
	if err := json.Unmarshal(doc, &root); err != nil {
		return ""
	}
	return ProseMirrorToHTML(root)
}

// ProseMirrorToHTML renders a document tree without whitespace between
// blocks, so the text of the result matches what an editor displays.
func ProseMirrorToHTML(root ProseMirrorNode) string {
	var b strings.Builder
	renderNode(&b, root)
	return b.String()
}

func renderNode(b *strings.Builder, node ProseMirrorNode) {
	if tag, ok := blockTags[node.Type]; ok {
		fmt.Fprintf(b, "<%s>", tag)
		renderContent(b, node.Content)
		fmt.Fprintf(b, "</%s>", tag)
		return
	}

	switch node.Type {
	case "heading":
		level := 1
		if lvl, ok := node.Attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
			level = int(lvl)
		}
		fmt.Fprintf(b, "<h%d>", level)
		renderContent(b, node.Content)
		fmt.Fprintf(b, "</h%d>", level)
	case "codeBlock":
		b.WriteString("<pre><code>")
		for _, child := range node.Content {
			b.WriteString(html.EscapeString(child.Text))
		}
		b.WriteString("</code></pre>")
	case "text":
		b.WriteString(renderText(node.Text, node.Marks))
	case "hardBreak":
		b.WriteString("<br>")
	case "horizontalRule":
		b.WriteString("<hr>")
	default:
		renderContent(b, node.Content)
	}
}

func renderContent(b *strings.Builder, content []ProseMirrorNode) {
	for _, child := range content {
		renderNode(b, child)
	}
}

// renderText applies marks from the innermost (last) outwards.
func renderText(text string, marks []ProseMirrorMark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		if tag, ok := markTags[mark.Type]; ok {
			out = fmt.Sprintf("<%s>%s</%s>", tag, out, tag)
			continue
		}
		if mark.Type == "link" {
			href, _ := mark.Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}
