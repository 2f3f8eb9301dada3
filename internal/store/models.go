package store

import "time"

type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Annotation struct {
	ID           string
	DocumentID   string
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
	SelectedText string
	StartOffset  int
	EndOffset    int
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Reply struct {
	ID           string
	AnnotationID string
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
	CreatedAt    time.Time
}

// AnnotationFilter narrows ListAnnotations. Zero values match everything.
type AnnotationFilter struct {
	Status   string
	AuthorID string
	Query    string
	From     *time.Time
	To       *time.Time
}

type AnnotationStats struct {
	Total    int
	Open     int
	Resolved int
}
