// Package annotations holds the annotation domain model and the service that
// persists it.
package annotations

import (
	"context"
	"time"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// ParseStatus accepts the persisted status names.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusOpen, StatusResolved:
		return Status(value), true
	default:
		return "", false
	}
}

// Author identifies the user behind an annotation or reply.
type Author struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Annotation struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	AuthorID     string    `json:"authorId"`
	Author       Author    `json:"author"`
	Content      string    `json:"content"`
	SelectedText string    `json:"selectedText"`
	StartOffset  int       `json:"startOffset"`
	EndOffset    int       `json:"endOffset"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Replies      []Reply   `json:"replies"`
}

type Reply struct {
	ID           string    `json:"id"`
	AnnotationID string    `json:"annotationId"`
	AuthorID     string    `json:"authorId"`
	Author       Author    `json:"author"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
}

type CreateInput struct {
	DocumentID   string `json:"documentId"`
	Content      string `json:"content"`
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
	SelectedText string `json:"selectedText"`
}

type ReplyInput struct {
	AnnotationID string `json:"annotationId"`
	Content      string `json:"content"`
}

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	Status   string
	AuthorID string
	From     *time.Time
	To       *time.Time
	Query    string
}

type Stats struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	Resolved int `json:"resolved"`
}

// Adapter is the annotation store as seen by an interactive workspace. It is
// bound to one acting user.
type Adapter interface {
	ListAnnotations(ctx context.Context, documentID string) ([]Annotation, error)
	CreateAnnotation(ctx context.Context, in CreateInput) (Annotation, error)
	UpdateAnnotationStatus(ctx context.Context, id string, status Status) (bool, error)
	DeleteAnnotation(ctx context.Context, id string) (bool, error)
	CreateReply(ctx context.Context, in ReplyInput) (Reply, error)
	DeleteReply(ctx context.Context, id, annotationID string) (bool, error)
}
