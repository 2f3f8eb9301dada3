package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/annotations"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/config"
	"marginalia/api/internal/export"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/highlight"
	"marginalia/api/internal/plans"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/search"
	"marginalia/api/internal/workspace"
)

type Session struct {
	UserID    string
	UserName  string
	Avatar    string
	Role      string
	Plan      string
	ExpiresAt time.Time
}

func (s Session) Author() annotations.Author {
	return annotations.Author{ID: s.UserID, Name: s.UserName, AvatarURL: s.Avatar}
}

type contentStore interface {
	GetContent(documentID, version string) (gitrepo.Content, gitrepo.Commit, error)
	GetHeadContent(documentID string) (gitrepo.Content, gitrepo.Commit, error)
	CommitContent(documentID string, content gitrepo.Content, author, message string) (gitrepo.Commit, bool, error)
	History(documentID string, limit int) ([]gitrepo.Commit, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Service is built from. Search and Exporter may
// be nil; the matching endpoints then answer 503.
type Deps struct {
	Notes    *annotations.Service
	Content  contentStore
	Plans    plans.Checker
	Search   searcher
	Exporter exporter
	DB       pinger
}

type Service struct {
	cfg      config.Config
	signer   *auth.Signer
	notes    *annotations.Service
	content  contentStore
	plans    plans.Checker
	search   searcher
	exporter exporter
	db       pinger
	hub      *Hub
}

// New wires a Service and registers its live hub for annotation change
// notifications.
func New(cfg config.Config, deps Deps) *Service {
	checker := deps.Plans
	if checker == nil {
		checker = plans.Static(plans.TierFree)
	}
	s := &Service{
		cfg:      cfg,
		signer:   auth.NewSigner([]byte(cfg.TokenSecret)),
		notes:    deps.Notes,
		content:  deps.Content,
		plans:    checker,
		search:   deps.Search,
		exporter: deps.Exporter,
		db:       deps.DB,
		hub:      NewHub(),
	}
	if s.notes != nil {
		s.notes.SetNotifier(s.hub)
	}
	return s
}

func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Avatar:    claims.Avatar,
		Role:      string(rbac.Normalize(claims.Role)),
		Plan:      claims.Plan,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
	}
	return nil
}

// permits checks a plan feature. A valid plan claim in the session token takes
// precedence over the plan store.
func (s *Service) permits(ctx context.Context, session Session, feature plans.Feature) (bool, error) {
	if tier, ok := plans.ParseTier(session.Plan); ok {
		return tier.HasFeature(feature), nil
	}
	return s.plans.Permits(ctx, session.UserID, feature)
}

// requireFeature fails closed: a lookup error denies the feature.
func (s *Service) requireFeature(ctx context.Context, session Session, feature plans.Feature) error {
	ok, err := s.permits(ctx, session, feature)
	if err != nil {
		return fmt.Errorf("check plan feature %s: %w", feature, err)
	}
	if !ok {
		return domainError(http.StatusPaymentRequired, "PLAN_REQUIRED", "Your plan does not include this feature", map[string]any{"feature": feature})
	}
	return nil
}

func (s *Service) requireAnnotate(ctx context.Context, session Session) error {
	if err := s.authorize(session, rbac.ActionAnnotate); err != nil {
		return err
	}
	return s.requireFeature(ctx, session, plans.FeatureAnnotations)
}

// adapter returns the annotation store bound to session. HTTP handlers and
// live workspaces both write through it.
func (s *Service) adapter(session Session) annotations.Adapter {
	return &sessionAdapter{
		svc:     s,
		session: session,
		next:    s.notes.For(session.Author(), s.Can(session.Role, rbac.ActionModerate)),
	}
}

// sessionAdapter checks the session's role and plan before every call and
// bounds new anchors by the document's head content.
type sessionAdapter struct {
	svc     *Service
	session Session
	next    annotations.Adapter
}

func (a *sessionAdapter) ListAnnotations(ctx context.Context, documentID string) ([]annotations.Annotation, error) {
	if err := a.svc.authorize(a.session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return a.next.ListAnnotations(ctx, documentID)
}

func (a *sessionAdapter) CreateAnnotation(ctx context.Context, in annotations.CreateInput) (annotations.Annotation, error) {
	if err := a.svc.requireAnnotate(ctx, a.session); err != nil {
		return annotations.Annotation{}, err
	}
	if err := a.svc.checkAnchor(in); err != nil {
		return annotations.Annotation{}, err
	}
	return a.next.CreateAnnotation(ctx, in)
}

func (a *sessionAdapter) UpdateAnnotationStatus(ctx context.Context, id string, status annotations.Status) (bool, error) {
	if err := a.svc.requireAnnotate(ctx, a.session); err != nil {
		return false, err
	}
	return a.next.UpdateAnnotationStatus(ctx, id, status)
}

func (a *sessionAdapter) DeleteAnnotation(ctx context.Context, id string) (bool, error) {
	if err := a.svc.requireAnnotate(ctx, a.session); err != nil {
		return false, err
	}
	return a.next.DeleteAnnotation(ctx, id)
}

func (a *sessionAdapter) CreateReply(ctx context.Context, in annotations.ReplyInput) (annotations.Reply, error) {
	if err := a.svc.requireAnnotate(ctx, a.session); err != nil {
		return annotations.Reply{}, err
	}
	return a.next.CreateReply(ctx, in)
}

func (a *sessionAdapter) DeleteReply(ctx context.Context, id, annotationID string) (bool, error) {
	if err := a.svc.requireAnnotate(ctx, a.session); err != nil {
		return false, err
	}
	return a.next.DeleteReply(ctx, id, annotationID)
}

// checkAnchor rejects annotations on unknown documents and spans that end
// past the head content's text.
func (s *Service) checkAnchor(in annotations.CreateInput) error {
	content, _, err := s.content.GetHeadContent(in.DocumentID)
	if err != nil {
		return err
	}
	root, err := highlight.ParseContainer(export.ContentMarkup(content.HTML, content.Doc))
	if err != nil {
		return fmt.Errorf("parse content: %w", err)
	}
	if _, length := anchor.Projection(root); in.EndOffset > length {
		return &annotations.ValidationError{Fields: map[string]string{
			"endOffset": fmt.Sprintf("must not exceed the document length %d", length),
		}}
	}
	return nil
}

type DocumentContent struct {
	DocumentID string          `json:"documentId"`
	Content    gitrepo.Content `json:"content"`
	Commit     gitrepo.Commit  `json:"commit"`
}

func (s *Service) GetContent(ctx context.Context, session Session, documentID, version string) (DocumentContent, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return DocumentContent{}, err
	}
	content, commit, err := s.content.GetContent(documentID, version)
	if err != nil {
		return DocumentContent{}, err
	}
	return DocumentContent{DocumentID: documentID, Content: content, Commit: commit}, nil
}

type SaveContentInput struct {
	gitrepo.Content
	Message string `json:"message"`
}

type SaveContentResult struct {
	DocumentContent
	Changed bool `json:"changed"`
}

// SaveContent commits new content and pushes it to the document's live
// workspaces when it changed.
func (s *Service) SaveContent(ctx context.Context, session Session, documentID string, in SaveContentInput) (SaveContentResult, error) {
	if err := s.authorize(session, rbac.ActionWrite); err != nil {
		return SaveContentResult{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return SaveContentResult{}, &annotations.ValidationError{Fields: map[string]string{"title": "is required"}}
	}
	if strings.TrimSpace(in.HTML) == "" && len(in.Doc) == 0 {
		return SaveContentResult{}, &annotations.ValidationError{Fields: map[string]string{"html": "html or doc is required"}}
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		message = "Update " + in.Title
	}
	commit, changed, err := s.content.CommitContent(documentID, in.Content, session.UserName, message)
	if err != nil {
		return SaveContentResult{}, err
	}
	if changed {
		s.hub.ReplaceContent(documentID, export.ContentMarkup(in.HTML, in.Doc))
	}
	return SaveContentResult{
		DocumentContent: DocumentContent{DocumentID: documentID, Content: in.Content, Commit: commit},
		Changed:         changed,
	}, nil
}

func (s *Service) History(ctx context.Context, session Session, documentID string, limit int) ([]gitrepo.Commit, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.content.History(documentID, limit)
}

func (s *Service) ListAnnotations(ctx context.Context, session Session, documentID string, filter annotations.Filter) ([]annotations.Annotation, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.notes.List(ctx, documentID, filter)
}

func (s *Service) CreateAnnotation(ctx context.Context, session Session, documentID string, in annotations.CreateInput) (annotations.Annotation, error) {
	in.DocumentID = documentID
	return s.adapter(session).CreateAnnotation(ctx, in)
}

func (s *Service) UpdateAnnotationStatus(ctx context.Context, session Session, id, status string) (annotations.Annotation, error) {
	parsed, ok := annotations.ParseStatus(strings.TrimSpace(status))
	if !ok {
		return annotations.Annotation{}, &annotations.ValidationError{Fields: map[string]string{"status": "must be open or resolved"}}
	}
	updated, err := s.adapter(session).UpdateAnnotationStatus(ctx, id, parsed)
	if err != nil {
		return annotations.Annotation{}, err
	}
	if !updated {
		return annotations.Annotation{}, annotations.ErrNotFound
	}
	return s.notes.Get(ctx, id)
}

func (s *Service) DeleteAnnotation(ctx context.Context, session Session, id string) error {
	deleted, err := s.adapter(session).DeleteAnnotation(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return annotations.ErrNotFound
	}
	return nil
}

func (s *Service) CreateReply(ctx context.Context, session Session, annotationID, content string) (annotations.Reply, error) {
	return s.adapter(session).CreateReply(ctx, annotations.ReplyInput{AnnotationID: annotationID, Content: content})
}

func (s *Service) DeleteReply(ctx context.Context, session Session, annotationID, replyID string) error {
	deleted, err := s.adapter(session).DeleteReply(ctx, replyID, annotationID)
	if err != nil {
		return err
	}
	if !deleted {
		return annotations.ErrNotFound
	}
	return nil
}

func (s *Service) Stats(ctx context.Context, session Session, documentID string) (annotations.Stats, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return annotations.Stats{}, err
	}
	return s.notes.Stats(ctx, documentID)
}

// ExportAnnotations titles the export after the document's head content and
// falls back to the document id for documents without content.
func (s *Service) ExportAnnotations(ctx context.Context, session Session, documentID, format string) (annotations.ExportFile, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return annotations.ExportFile{}, err
	}
	parsed, ok := annotations.ParseExportFormat(format)
	if !ok {
		return annotations.ExportFile{}, &annotations.ValidationError{Fields: map[string]string{"format": "must be json or csv"}}
	}
	title := documentID
	content, _, err := s.content.GetHeadContent(documentID)
	switch {
	case err == nil && strings.TrimSpace(content.Title) != "":
		title = content.Title
	case err != nil && !errors.Is(err, gitrepo.ErrDocumentNotFound):
		return annotations.ExportFile{}, err
	}
	return s.notes.Export(ctx, documentID, title, parsed)
}

// AnchorHealth checks every annotation against the head content's text.
func (s *Service) AnchorHealth(ctx context.Context, session Session, documentID string) ([]annotations.AnchorReport, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	content, _, err := s.content.GetHeadContent(documentID)
	if err != nil {
		return nil, err
	}
	root, err := highlight.ParseContainer(export.ContentMarkup(content.HTML, content.Doc))
	if err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	projection, _ := anchor.Projection(root)
	return s.notes.AnchorHealth(ctx, documentID, projection)
}

type RenderResult struct {
	DocumentID string           `json:"documentId"`
	Version    string           `json:"version"`
	HTML       string           `json:"html"`
	Highlights highlight.Report `json:"highlights"`
}

// Render returns the head content with highlights painted over it, or bare
// when highlights is false.
func (s *Service) Render(ctx context.Context, session Session, documentID string, highlights bool) (RenderResult, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return RenderResult{}, err
	}
	content, commit, err := s.content.GetHeadContent(documentID)
	if err != nil {
		return RenderResult{}, err
	}
	var items []annotations.Annotation
	if highlights {
		if items, err = s.notes.List(ctx, documentID, annotations.Filter{}); err != nil {
			return RenderResult{}, err
		}
	}
	out, report, err := highlight.Paint(export.ContentMarkup(content.HTML, content.Doc), items, nil)
	if err != nil {
		return RenderResult{}, err
	}
	return RenderResult{DocumentID: documentID, Version: commit.Hash, HTML: out, Highlights: report}, nil
}

// ExportDocument renders a document file. PDF and DOCX need the export plan
// feature.
func (s *Service) ExportDocument(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if req.Format == export.FormatPDF || req.Format == export.FormatDOCX {
		if err := s.requireFeature(ctx, session, plans.FeatureExportPDF); err != nil {
			return nil, err
		}
	}
	if s.cfg.ExportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExportTimeout)
		defer cancel()
	}
	return s.exporter.Export(ctx, req)
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if err := s.requireFeature(ctx, session, plans.FeatureSearch); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(ctx, q), nil
}

// OpenWorkspace builds a live workspace over the document's head content,
// bound to the session's user. The caller runs it.
func (s *Service) OpenWorkspace(ctx context.Context, session Session, documentID string) (*workspace.Workspace, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	content, _, err := s.content.GetHeadContent(documentID)
	if err != nil {
		return nil, err
	}
	gate := workspace.GateFunc(func(ctx context.Context) (bool, error) {
		return s.permits(ctx, session, plans.FeatureAnnotations)
	})
	return workspace.New(workspace.Options{
		DocumentID: documentID,
		Content:    export.ContentMarkup(content.HTML, content.Doc),
		Adapter:    s.adapter(session),
		Gate:       gate,
		GatePoll:   s.cfg.GatePoll,
		ReadOnly:   !s.Can(session.Role, rbac.ActionAnnotate),
		Debounce:   s.cfg.SelectionDebounce,
	}), nil
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}
