package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"sort"
	"strings"
	"time"

	"marginalia/api/internal/annotations"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/highlight"
)

// ContentSource loads a version of a document.
type ContentSource interface {
	GetContent(documentID, version string) (gitrepo.Content, gitrepo.Commit, error)
}

// NoteSource lists a document's annotations.
type NoteSource interface {
	List(ctx context.Context, documentID string, filter annotations.Filter) ([]annotations.Annotation, error)
}

type converter func(ctx context.Context, html string) ([]byte, error)

// Service provides document export functionality.
type Service struct {
	content ContentSource
	notes   NoteSource
	archive Archive
	logger  *log.Logger
	now     func() time.Time
	pdf     converter
	docx    converter
}

// NewService creates an export service. archive may be nil.
func NewService(content ContentSource, notes NoteSource, archive Archive, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		content: content,
		notes:   notes,
		archive: archive,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		pdf:     renderPDF,
		docx:    renderDOCX,
	}
}

// Export renders the requested version with its open annotations
// highlighted and, when asked, the notes listed after the body.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	content, commit, err := s.content.GetContent(req.DocumentID, req.Version)
	if err != nil {
		if errors.Is(err, gitrepo.ErrDocumentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	items, err := s.notes.List(ctx, req.DocumentID, annotations.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}

	markup := ContentMarkup(content.HTML, content.Doc)
	painted, report, err := highlight.Paint(markup, items, s.logger)
	if err != nil {
		return nil, fmt.Errorf("paint highlights: %w", err)
	}
	if report.Stale > 0 {
		s.logger.Printf("export: document %s: %d annotations no longer match the content", req.DocumentID, report.Stale)
	}

	data := TemplateData{
		Title:       content.Title,
		Version:     commit.Hash,
		ContentHTML: template.HTML(painted),
		ExportedAt:  s.now(),
	}
	if req.IncludeNotes {
		data.Notes = BuildNotes(items, req.IncludeResolved)
	}
	page, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	result := &Result{Version: commit.Hash}
	switch req.Format {
	case FormatHTML:
		result.Data = []byte(page)
		result.MimeType = "text/html; charset=utf-8"
	case FormatPDF:
		if result.Data, err = s.pdf(ctx, page); err != nil {
			return nil, err
		}
		result.MimeType = "application/pdf"
	case FormatDOCX:
		if result.Data, err = s.docx(ctx, page); err != nil {
			return nil, err
		}
		result.MimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	result.Filename = sanitizeFilename(content.Title) + "." + string(req.Format)

	if req.Archive && s.archive != nil {
		key := fmt.Sprintf("%s/%s/%s", sanitizeFilename(req.DocumentID), s.now().Format("20060102T150405Z"), result.Filename)
		url, err := s.archive.Put(ctx, key, result.Data, result.MimeType)
		if err != nil {
			s.logger.Printf("export: archive %s failed: %v", key, err)
		} else {
			result.URL = url
		}
	}
	return result, nil
}

// BuildNotes numbers annotations in document order. Resolved annotations are
// dropped unless includeResolved is set.
func BuildNotes(items []annotations.Annotation, includeResolved bool) []Note {
	ordered := make([]annotations.Annotation, 0, len(items))
	for _, item := range items {
		if item.Status == annotations.StatusResolved && !includeResolved {
			continue
		}
		ordered = append(ordered, item)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartOffset < ordered[j].StartOffset
	})

	notes := make([]Note, 0, len(ordered))
	for i, item := range ordered {
		note := Note{
			Number:       i + 1,
			SelectedText: item.SelectedText,
			Content:      item.Content,
			Author:       authorName(item.Author),
			Status:       string(item.Status),
			CreatedAt:    item.CreatedAt,
		}
		for _, reply := range item.Replies {
			note.Replies = append(note.Replies, NoteReply{
				Author:    authorName(reply.Author),
				Content:   reply.Content,
				CreatedAt: reply.CreatedAt,
			})
		}
		notes = append(notes, note)
	}
	return notes
}

func authorName(a annotations.Author) string {
	if strings.TrimSpace(a.Name) == "" {
		return "Unknown User"
	}
	return a.Name
}

// sanitizeFilename keeps letters, digits, hyphens and underscores, turns
// spaces into hyphens and caps the length at 50.
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
