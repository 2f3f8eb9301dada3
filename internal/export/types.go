// Package export renders a document with its annotations as HTML, PDF or
// DOCX, and can archive the result in object storage.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts the format names case-sensitively. Empty means PDF.
func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case "":
		return FormatPDF, true
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), true
	default:
		return "", false
	}
}

// Request contains parameters for an export operation.
type Request struct {
	DocumentID      string
	Version         string // "latest" or commit hash
	Format          Format
	IncludeNotes    bool
	IncludeResolved bool
	Archive         bool
}

// Note is one annotation listed after the document body.
type Note struct {
	Number       int
	SelectedText string
	Content      string
	Author       string
	Status       string
	CreatedAt    time.Time
	Replies      []NoteReply
}

type NoteReply struct {
	Author    string
	Content   string
	CreatedAt time.Time
}

// Result contains the export output. URL is set when the file was archived.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	Version  string
	URL      string
}

var (
	// ErrContentUnavailable indicates document content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	ErrUnsupportedFormat  = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
