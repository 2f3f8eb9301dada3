package annotations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const unknownUser = "Unknown User"

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

func ParseExportFormat(value string) (ExportFormat, bool) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(value))) {
	case "", ExportJSON:
		return ExportJSON, true
	case ExportCSV:
		return ExportCSV, true
	default:
		return "", false
	}
}

// ExportFile is a rendered export ready to download.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

type exportDocument struct {
	DocumentTitle string             `json:"document_title"`
	Annotations   []exportAnnotation `json:"annotations"`
	ExportedAt    string             `json:"exported_at"`
}

type exportAnnotation struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	SelectedText string        `json:"selected_text"`
	Status       string        `json:"status"`
	CreatedAt    string        `json:"created_at"`
	UserName     string        `json:"user_name"`
	Replies      []exportReply `json:"replies"`
}

type exportReply struct {
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	UserName  string `json:"user_name"`
}

// Export renders every annotation of a document in format.
func (s *Service) Export(ctx context.Context, documentID, title string, format ExportFormat) (ExportFile, error) {
	items, err := s.List(ctx, documentID, Filter{})
	if err != nil {
		return ExportFile{}, err
	}
	return RenderExport(items, title, format, s.now())
}

// RenderExport builds the export file for items.
func RenderExport(items []Annotation, title string, format ExportFormat, at time.Time) (ExportFile, error) {
	doc := exportDocument{
		DocumentTitle: title,
		Annotations:   make([]exportAnnotation, 0, len(items)),
		ExportedAt:    at.UTC().Format(time.RFC3339),
	}
	for _, item := range items {
		out := exportAnnotation{
			ID:           item.ID,
			Content:      item.Content,
			SelectedText: item.SelectedText,
			Status:       string(item.Status),
			CreatedAt:    item.CreatedAt.UTC().Format(time.RFC3339),
			UserName:     userName(item.Author),
			Replies:      make([]exportReply, 0, len(item.Replies)),
		}
		for _, r := range item.Replies {
			out.Replies = append(out.Replies, exportReply{
				Content:   r.Content,
				CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
				UserName:  userName(r.Author),
			})
		}
		doc.Annotations = append(doc.Annotations, out)
	}

	switch format {
	case ExportJSON:
		body, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return ExportFile{}, fmt.Errorf("encode export: %w", err)
		}
		return ExportFile{Filename: ExportFilename(title, "json", at), ContentType: "application/json", Body: body}, nil
	case ExportCSV:
		return ExportFile{Filename: ExportFilename(title, "csv", at), ContentType: "text/csv", Body: renderCSV(doc)}, nil
	default:
		return ExportFile{}, &ValidationError{Fields: map[string]string{"format": "must be json or csv"}}
	}
}

// renderCSV quotes every field and doubles embedded quotes.
func renderCSV(doc exportDocument) []byte {
	var buf bytes.Buffer
	writeRow := func(fields ...string) {
		for i, f := range fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(`"` + strings.ReplaceAll(f, `"`, `""`) + `"`)
		}
		buf.WriteByte('\n')
	}
	writeRow("ID", "Content", "Selected Text", "Status", "Created At", "User", "Replies Count")
	for _, a := range doc.Annotations {
		writeRow(a.ID, a.Content, a.SelectedText, a.Status, a.CreatedAt, a.UserName, strconv.Itoa(len(a.Replies)))
	}
	return buf.Bytes()
}

var unsafeFilename = regexp.MustCompile(`[^a-z0-9]`)

// ExportFilename is annotations-<title>-<date>.<ext> with every character
// outside [a-z0-9] of the lowercased title replaced by an underscore.
func ExportFilename(title, ext string, at time.Time) string {
	safe := unsafeFilename.ReplaceAllString(strings.ToLower(title), "_")
	return fmt.Sprintf("annotations-%s-%s.%s", safe, at.UTC().Format("2006-01-02"), ext)
}

func userName(a Author) string {
	if strings.TrimSpace(a.Name) == "" {
		return unknownUser
	}
	return a.Name
}
