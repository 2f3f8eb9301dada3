package annotations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

var (
	ErrNotFound   = errors.New("annotation not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("not allowed to change this annotation")
)

// ValidationError lists the offending fields. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Store is the persistence the service needs.
type Store interface {
	UpsertUser(ctx context.Context, user store.User) error
	ListAnnotations(ctx context.Context, documentID string, filter store.AnnotationFilter) ([]store.Annotation, error)
	GetAnnotation(ctx context.Context, id string) (store.Annotation, error)
	InsertAnnotation(ctx context.Context, item store.Annotation) error
	UpdateAnnotationStatus(ctx context.Context, id, status string, updatedAt time.Time) (bool, error)
	DeleteAnnotation(ctx context.Context, id string) (bool, error)
	ListReplies(ctx context.Context, documentID, annotationID string) ([]store.Reply, error)
	GetReply(ctx context.Context, id string) (store.Reply, error)
	InsertReply(ctx context.Context, item store.Reply) error
	DeleteReply(ctx context.Context, id, annotationID string) (bool, error)
	AnnotationStats(ctx context.Context, documentID string) (store.AnnotationStats, error)
}

// Indexer keeps a search index in step with the store. Calls must not block.
type Indexer interface {
	IndexAnnotation(item Annotation)
	RemoveAnnotation(id string)
}

// Notifier learns about changes to a document's annotations.
type Notifier interface {
	AnnotationsChanged(documentID string)
}

type Service struct {
	store    Store
	indexer  Indexer
	notifier Notifier
	now      func() time.Time
}

func NewService(s Store, indexer Indexer) *Service {
	return &Service{store: s, indexer: indexer, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// List returns a document's annotations in start offset order, each with its
// replies oldest first.
func (s *Service) List(ctx context.Context, documentID string, filter Filter) ([]Annotation, error) {
	status := strings.TrimSpace(filter.Status)
	if status == "all" {
		status = ""
	}
	if status != "" {
		if _, ok := ParseStatus(status); !ok {
			return nil, &ValidationError{Fields: map[string]string{"status": "must be open, resolved or all"}}
		}
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, &ValidationError{Fields: map[string]string{"to": "must not be before from"}}
	}

	rows, err := s.store.ListAnnotations(ctx, documentID, store.AnnotationFilter{
		Status:   status,
		AuthorID: strings.TrimSpace(filter.AuthorID),
		Query:    strings.TrimSpace(filter.Query),
		From:     filter.From,
		To:       filter.To,
	})
	if err != nil {
		return nil, err
	}
	replies, err := s.store.ListReplies(ctx, documentID, "")
	if err != nil {
		return nil, err
	}

	byAnnotation := map[string][]Reply{}
	for _, r := range replies {
		byAnnotation[r.AnnotationID] = append(byAnnotation[r.AnnotationID], replyFromRow(r))
	}
	items := make([]Annotation, 0, len(rows))
	for _, row := range rows {
		item := fromRow(row)
		item.Replies = byAnnotation[row.ID]
		if item.Replies == nil {
			item.Replies = []Reply{}
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].StartOffset < items[j].StartOffset
	})
	return items, nil
}

// Get returns one annotation with its replies.
func (s *Service) Get(ctx context.Context, id string) (Annotation, error) {
	row, err := s.store.GetAnnotation(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, ErrNotFound
	}
	if err != nil {
		return Annotation{}, err
	}
	replies, err := s.store.ListReplies(ctx, row.DocumentID, row.ID)
	if err != nil {
		return Annotation{}, err
	}
	item := fromRow(row)
	item.Replies = make([]Reply, 0, len(replies))
	for _, r := range replies {
		item.Replies = append(item.Replies, replyFromRow(r))
	}
	return item, nil
}

func (s *Service) Create(ctx context.Context, author Author, in CreateInput) (Annotation, error) {
	in.Content = strings.TrimSpace(in.Content)
	fields := map[string]string{}
	if strings.TrimSpace(in.DocumentID) == "" {
		fields["documentId"] = "is required"
	}
	if in.Content == "" {
		fields["content"] = "is required"
	}
	if strings.TrimSpace(in.SelectedText) == "" {
		fields["selectedText"] = "is required"
	}
	if in.StartOffset < 0 {
		fields["startOffset"] = "must not be negative"
	}
	if in.EndOffset <= in.StartOffset {
		fields["endOffset"] = "must be greater than startOffset"
	}
	if author.ID == "" {
		fields["author"] = "is required"
	}
	if len(fields) > 0 {
		return Annotation{}, &ValidationError{Fields: fields}
	}

	if err := s.store.UpsertUser(ctx, store.User{ID: author.ID, DisplayName: author.Name, AvatarURL: author.AvatarURL}); err != nil {
		return Annotation{}, err
	}
	now := s.now()
	row := store.Annotation{
		ID:           util.NewID("ann"),
		DocumentID:   in.DocumentID,
		AuthorID:     author.ID,
		AuthorName:   author.Name,
		AuthorAvatar: author.AvatarURL,
		Content:      in.Content,
		SelectedText: in.SelectedText,
		StartOffset:  in.StartOffset,
		EndOffset:    in.EndOffset,
		Status:       string(StatusOpen),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertAnnotation(ctx, row); err != nil {
		return Annotation{}, err
	}
	item := fromRow(row)
	item.Replies = []Reply{}
	s.index(item)
	s.changed(item.DocumentID)
	return item, nil
}

// UpdateStatus reports false when the annotation does not exist.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (bool, error) {
	if _, ok := ParseStatus(string(status)); !ok {
		return false, &ValidationError{Fields: map[string]string{"status": "must be open or resolved"}}
	}
	item, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := s.now()
	ok, err := s.store.UpdateAnnotationStatus(ctx, id, string(status), now)
	if err != nil || !ok {
		return ok, err
	}
	item.Status = status
	item.UpdatedAt = now
	s.index(item)
	s.changed(item.DocumentID)
	return true, nil
}

func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	row, err := s.store.GetAnnotation(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := s.store.DeleteAnnotation(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if s.indexer != nil {
		s.indexer.RemoveAnnotation(id)
	}
	s.changed(row.DocumentID)
	return true, nil
}

func (s *Service) CreateReply(ctx context.Context, author Author, in ReplyInput) (Reply, error) {
	in.Content = strings.TrimSpace(in.Content)
	fields := map[string]string{}
	if in.Content == "" {
		fields["content"] = "is required"
	}
	if author.ID == "" {
		fields["author"] = "is required"
	}
	if len(fields) > 0 {
		return Reply{}, &ValidationError{Fields: fields}
	}
	parent, err := s.store.GetAnnotation(ctx, in.AnnotationID)
	if errors.Is(err, sql.ErrNoRows) {
		return Reply{}, ErrNotFound
	}
	if err != nil {
		return Reply{}, err
	}
	if err := s.store.UpsertUser(ctx, store.User{ID: author.ID, DisplayName: author.Name, AvatarURL: author.AvatarURL}); err != nil {
		return Reply{}, err
	}
	row := store.Reply{
		ID:           util.NewID("rep"),
		AnnotationID: parent.ID,
		AuthorID:     author.ID,
		AuthorName:   author.Name,
		AuthorAvatar: author.AvatarURL,
		Content:      in.Content,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertReply(ctx, row); err != nil {
		return Reply{}, err
	}
	s.changed(parent.DocumentID)
	return replyFromRow(row), nil
}

func (s *Service) GetReply(ctx context.Context, id string) (Reply, error) {
	row, err := s.store.GetReply(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Reply{}, ErrNotFound
	}
	if err != nil {
		return Reply{}, err
	}
	return replyFromRow(row), nil
}

func (s *Service) DeleteReply(ctx context.Context, id, annotationID string) (bool, error) {
	parent, err := s.store.GetAnnotation(ctx, annotationID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := s.store.DeleteReply(ctx, id, annotationID)
	if err != nil || !ok {
		return ok, err
	}
	s.changed(parent.DocumentID)
	return true, nil
}

func (s *Service) Stats(ctx context.Context, documentID string) (Stats, error) {
	row, err := s.store.AnnotationStats(ctx, documentID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Total: row.Total, Open: row.Open, Resolved: row.Resolved}, nil
}

// AnchorReport describes how well one annotation still fits the document text.
type AnchorReport struct {
	AnnotationID string `json:"annotationId"`
	anchor.Health
}

// AnchorHealth checks every annotation of a document against projection, the
// document's current text. Anchors are reported, never moved.
func (s *Service) AnchorHealth(ctx context.Context, documentID, projection string) ([]AnchorReport, error) {
	items, err := s.List(ctx, documentID, Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]AnchorReport, 0, len(items))
	for _, item := range items {
		out = append(out, AnchorReport{
			AnnotationID: item.ID,
			Health:       anchor.Reanchor(projection, item.StartOffset, item.EndOffset, item.SelectedText),
		})
	}
	return out, nil
}

func (s *Service) index(item Annotation) {
	if s.indexer != nil {
		s.indexer.IndexAnnotation(item)
	}
}

func (s *Service) changed(documentID string) {
	if s.notifier != nil {
		s.notifier.AnnotationsChanged(documentID)
	}
}

// For returns an Adapter acting as author. Without moderate, status changes
// and deletions are limited to the author's own annotations and replies.
func (s *Service) For(author Author, moderate bool) Adapter {
	return &boundAdapter{svc: s, author: author, moderate: moderate}
}

type boundAdapter struct {
	svc      *Service
	author   Author
	moderate bool
}

func (a *boundAdapter) ListAnnotations(ctx context.Context, documentID string) ([]Annotation, error) {
	return a.svc.List(ctx, documentID, Filter{})
}

func (a *boundAdapter) CreateAnnotation(ctx context.Context, in CreateInput) (Annotation, error) {
	return a.svc.Create(ctx, a.author, in)
}

func (a *boundAdapter) UpdateAnnotationStatus(ctx context.Context, id string, status Status) (bool, error) {
	if err := a.owns(ctx, id); err != nil {
		return false, err
	}
	return a.svc.UpdateStatus(ctx, id, status)
}

func (a *boundAdapter) DeleteAnnotation(ctx context.Context, id string) (bool, error) {
	if err := a.owns(ctx, id); err != nil {
		return false, err
	}
	return a.svc.Delete(ctx, id)
}

func (a *boundAdapter) CreateReply(ctx context.Context, in ReplyInput) (Reply, error) {
	return a.svc.CreateReply(ctx, a.author, in)
}

func (a *boundAdapter) DeleteReply(ctx context.Context, id, annotationID string) (bool, error) {
	if !a.moderate {
		reply, err := a.svc.GetReply(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if reply.AuthorID != a.author.ID {
			return false, ErrForbidden
		}
	}
	return a.svc.DeleteReply(ctx, id, annotationID)
}

func (a *boundAdapter) owns(ctx context.Context, id string) error {
	if a.moderate {
		return nil
	}
	item, err := a.svc.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if item.AuthorID != a.author.ID {
		return fmt.Errorf("%w %s", ErrForbidden, id)
	}
	return nil
}

func fromRow(row store.Annotation) Annotation {
	return Annotation{
		ID:           row.ID,
		DocumentID:   row.DocumentID,
		AuthorID:     row.AuthorID,
		Author:       Author{ID: row.AuthorID, Name: row.AuthorName, AvatarURL: row.AuthorAvatar},
		Content:      row.Content,
		SelectedText: row.SelectedText,
		StartOffset:  row.StartOffset,
		EndOffset:    row.EndOffset,
		Status:       Status(row.Status),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

func replyFromRow(row store.Reply) Reply {
	return Reply{
		ID:           row.ID,
		AnnotationID: row.AnnotationID,
		AuthorID:     row.AuthorID,
		Author:       Author{ID: row.AuthorID, Name: row.AuthorName, AvatarURL: row.AuthorAvatar},
		Content:      row.Content,
		CreatedAt:    row.CreatedAt,
	}
}
