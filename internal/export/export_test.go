package export

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"strings"
	"testing"
	"time"

	"marginalia/api/internal/annotations"
	"marginalia/api/internal/gitrepo"
)

func TestProseMirrorToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty input", input: "", expected: ""},
		{name: "invalid json", input: "{", expected: ""},
		{
			name:     "paragraphs are not separated by whitespace",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"One"}]},{"type":"paragraph","content":[{"type":"text","text":"Two"}]}]}`,
			expected: "<p>One</p><p>Two</p>",
		},
		{
			name:     "heading with level",
			input:    `{"type":"doc","content":[{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Section Title"}]}]}`,
			expected: "<h2>Section Title</h2>",
		},
		{
			name:     "bold and italic text",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Bold & italic","marks":[{"type":"bold"},{"type":"italic"}]}]}]}`,
			expected: "<p><strong><em>Bold &amp; italic</em></strong></p>",
		},
		{
			name:     "link",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"site","marks":[{"type":"link","attrs":{"href":"https://example.com/?a=1&b=2"}}]}]}]}`,
			expected: `<p><a href="https://example.com/?a=1&amp;b=2">site</a></p>`,
		},
		{
			name:     "bullet list",
			input:    `{"type":"doc","content":[{"type":"bulletList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"Item 1"}]}]}]}]}`,
			expected: "<ul><li><p>Item 1</p></li></ul>",
		},
		{
			name:     "code block",
			input:    `{"type":"doc","content":[{"type":"codeBlock","content":[{"type":"text","text":"if a < b {}"}]}]}`,
			expected: "<pre><code>if a &lt; b {}</code></pre>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ProseMirrorJSONToHTML(json.RawMessage(tt.input))
			if result != tt.expected {
				t.Errorf("ProseMirrorJSONToHTML() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestContentMarkupPrefersHTML(t *testing.T) {
	doc := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"from doc"}]}]}`)
	if got := ContentMarkup("<p>raw</p>", doc); got != "<p>raw</p>" {
		t.Errorf("expected raw markup, got %q", got)
	}
	if got := ContentMarkup("  ", doc); got != "<p>from doc</p>" {
		t.Errorf("expected doc markup, got %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "document"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := sanitizeFilename(tt.input); result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := percentEncodeForDataURL(tt.input); result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	page, err := RenderDocumentHTML(TemplateData{
		Title:       "Chapter <1>",
		Version:     "abc1234",
		ContentHTML: template.HTML("<p>This is the content.</p>"),
		ExportedAt:  time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
		Notes: []Note{{
			Number:       1,
			SelectedText: "content",
			Content:      "Tighten <this>",
			Author:       "Ada",
			Status:       "open",
			Replies:      []NoteReply{{Author: "Grace", Content: "Agreed"}},
		}},
	})
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}

	for _, want := range []string{
		"Chapter &lt;1&gt;",
		"Version abc1234",
		"Exported May 2, 2024",
		"<p>This is the content.</p>",
		"<h2>Notes</h2>",
		"Tighten &lt;this&gt;",
		"Agreed",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

type fakeContent struct {
	content gitrepo.Content
	commit  gitrepo.Commit
	err     error
}

func (f fakeContent) GetContent(string, string) (gitrepo.Content, gitrepo.Commit, error) {
	return f.content, f.commit, f.err
}

type fakeNotes []annotations.Annotation

func (f fakeNotes) List(context.Context, string, annotations.Filter) ([]annotations.Annotation, error) {
	return f, nil
}

type fakeArchive struct {
	keys []string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return "", f.err
	}
	return "https://files.example.com/" + key, nil
}

var exportNotes = fakeNotes{
	{ID: "a2", Content: "Which fox?", SelectedText: "fox", StartOffset: 16, EndOffset: 19, Status: annotations.StatusResolved, Author: annotations.Author{Name: "Grace"}},
	{ID: "a1", Content: "Looks fast", SelectedText: "quick", StartOffset: 4, EndOffset: 9, Status: annotations.StatusOpen, Author: annotations.Author{Name: "Ada"}},
}

func newTestService(archive Archive) *Service {
	svc := NewService(fakeContent{
		content: gitrepo.Content{Title: "Chapter 1", HTML: "<p>The quick brown fox</p>"},
		commit:  gitrepo.Commit{Hash: "abc1234"},
	}, exportNotes, archive, log.New(&strings.Builder{}, "", 0))
	svc.now = func() time.Time { return time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC) }
	return svc
}

func TestExportHTMLHighlightsOpenNotes(t *testing.T) {
	svc := newTestService(nil)
	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML, IncludeNotes: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	page := string(result.Data)
	if !strings.Contains(page, `data-annotation-id="a1"`) {
		t.Error("open annotation should be highlighted")
	}
	if strings.Contains(page, `data-annotation-id="a2"`) {
		t.Error("resolved annotation should not be highlighted")
	}
	if strings.Contains(page, "Which fox?") {
		t.Error("resolved note should be left out by default")
	}
	if result.Filename != "Chapter-1.html" || result.Version != "abc1234" || result.URL != "" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestExportPDFArchives(t *testing.T) {
	archive := &fakeArchive{}
	svc := newTestService(archive)
	var seen string
	svc.pdf = func(_ context.Context, html string) ([]byte, error) {
		seen = html
		return []byte("%PDF-1.7"), nil
	}

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatPDF, IncludeNotes: true, IncludeResolved: true, Archive: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if string(result.Data) != "%PDF-1.7" || result.MimeType != "application/pdf" {
		t.Errorf("unexpected result %+v", result)
	}
	if !strings.Contains(seen, "Which fox?") {
		t.Error("resolved note should be listed when requested")
	}
	if len(archive.keys) != 1 || archive.keys[0] != "doc-1/20240502T093000Z/Chapter-1.pdf" {
		t.Errorf("unexpected archive keys %v", archive.keys)
	}
	if result.URL != "https://files.example.com/doc-1/20240502T093000Z/Chapter-1.pdf" {
		t.Errorf("unexpected URL %q", result.URL)
	}
}

func TestExportArchiveFailureIsNotFatal(t *testing.T) {
	svc := newTestService(&fakeArchive{err: errors.New("bucket offline")})
	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML, Archive: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.URL != "" || len(result.Data) == 0 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestExportErrors(t *testing.T) {
	svc := newTestService(nil)
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: "odt"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}

	svc.content = fakeContent{err: errors.New("disk gone")}
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML}); !errors.Is(err, ErrContentUnavailable) {
		t.Errorf("expected ErrContentUnavailable, got %v", err)
	}

	svc.content = fakeContent{err: gitrepo.ErrDocumentNotFound}
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML}); !errors.Is(err, gitrepo.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestBuildNotesOrdersByPosition(t *testing.T) {
	notes := BuildNotes(exportNotes, true)
	if len(notes) != 2 || notes[0].SelectedText != "quick" || notes[1].Number != 2 {
		t.Errorf("unexpected notes %+v", notes)
	}
	if got := BuildNotes([]annotations.Annotation{{Status: annotations.StatusOpen}}, false); got[0].Author != "Unknown User" {
		t.Errorf("blank author should be named, got %q", got[0].Author)
	}
}

func TestParseFormat(t *testing.T) {
	if f, ok := ParseFormat(""); !ok || f != FormatPDF {
		t.Errorf("empty format should default to pdf, got %q", f)
	}
	if _, ok := ParseFormat("odt"); ok {
		t.Error("odt should not parse")
	}
}
