package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"marginalia/api/internal/annotations"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/config"
	"marginalia/api/internal/export"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/plans"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

const testSecret = "test-secret"

type memStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	annotations map[string]store.Annotation
	replies     map[string]store.Reply
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]store.User{},
		annotations: map[string]store.Annotation{},
		replies:     map[string]store.Reply{},
	}
}

func (m *memStore) UpsertUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) ListAnnotations(_ context.Context, documentID string, filter store.AnnotationFilter) ([]store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Annotation
	for _, a := range m.annotations {
		if a.DocumentID != documentID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.AuthorID != "" && a.AuthorID != filter.AuthorID {
			continue
		}
		if filter.Query != "" && !strings.Contains(a.Content, filter.Query) && !strings.Contains(a.SelectedText, filter.Query) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) GetAnnotation(_ context.Context, id string) (store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.annotations[id]
	if !ok {
		return store.Annotation{}, sql.ErrNoRows
	}
	return a, nil
}

func (m *memStore) InsertAnnotation(_ context.Context, item store.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotations[item.ID] = item
	return nil
}

func (m *memStore) UpdateAnnotationStatus(_ context.Context, id, status string, updatedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.annotations[id]
	if !ok {
		return false, nil
	}
	a.Status = status
	a.UpdatedAt = updatedAt
	m.annotations[id] = a
	return true, nil
}

func (m *memStore) DeleteAnnotation(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.annotations[id]; !ok {
		return false, nil
	}
	delete(m.annotations, id)
	for rid, r := range m.replies {
		if r.AnnotationID == id {
			delete(m.replies, rid)
		}
	}
	return true, nil
}

func (m *memStore) ListReplies(_ context.Context, documentID, annotationID string) ([]store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reply
	for _, r := range m.replies {
		parent, ok := m.annotations[r.AnnotationID]
		if !ok || parent.DocumentID != documentID {
			continue
		}
		if annotationID != "" && r.AnnotationID != annotationID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) GetReply(_ context.Context, id string) (store.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replies[id]
	if !ok {
		return store.Reply{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *memStore) InsertReply(_ context.Context, item store.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[item.ID] = item
	return nil
}

func (m *memStore) DeleteReply(_ context.Context, id, annotationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replies[id]
	if !ok || r.AnnotationID != annotationID {
		return false, nil
	}
	delete(m.replies, id)
	return true, nil
}

func (m *memStore) AnnotationStats(_ context.Context, documentID string) (store.AnnotationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats store.AnnotationStats
	for _, a := range m.annotations {
		if a.DocumentID != documentID {
			continue
		}
		stats.Total++
		if a.Status == "open" {
			stats.Open++
		} else {
			stats.Resolved++
		}
	}
	return stats, nil
}

type fakePinger struct {
	pingFn func(ctx context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

type fakeSearcher struct {
	queries []search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{ID: "ann_1", DocumentID: "doc-1", Snippet: "<mark>fox</mark>"}},
		Total:   1,
		Query:   q.Text,
		Backend: search.BackendPostgres,
	}
}

type fakeExporter struct {
	requests []export.Request
	err      error
}

func (f *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &export.Result{
		Data:     []byte("%PDF-1.4"),
		Filename: "Chapter_1." + string(req.Format),
		MimeType: "application/pdf",
		Version:  "abc1234",
		URL:      "http://minio.local/exports/doc-1/Chapter_1.pdf",
	}, nil
}

type testEnv struct {
	server   *HTTPServer
	service  *Service
	store    *memStore
	repos    *gitrepo.Service
	search   *fakeSearcher
	exporter *fakeExporter
	signer   *auth.Signer
}

type envOptions struct {
	tier plans.Tier
	ping func(ctx context.Context) error
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.tier == "" {
		opts.tier = plans.TierTeam
	}
	repos := gitrepo.New(t.TempDir())
	if err := repos.EnsureDocumentRepo("doc-1", gitrepo.Content{Title: "Chapter 1", HTML: "<p>The quick brown fox</p>"}, "Avery"); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}
	mem := newMemStore()
	searcher := &fakeSearcher{}
	exporter := &fakeExporter{}
	cfg := config.Config{
		TokenSecret:       testSecret,
		SelectionDebounce: time.Millisecond,
		LiveEventsPerSec:  1000,
		ExportTimeout:     5 * time.Second,
	}
	svc := New(cfg, Deps{
		Notes:    annotations.NewService(mem, nil),
		Content:  repos,
		Plans:    plans.Static(opts.tier),
		Search:   searcher,
		Exporter: exporter,
		DB:       fakePinger{pingFn: opts.ping},
	})
	return &testEnv{
		server:   NewHTTPServer(svc, "*"),
		service:  svc,
		store:    mem,
		repos:    repos,
		search:   searcher,
		exporter: exporter,
		signer:   auth.NewSigner([]byte(testSecret)),
	}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	return e.tokenWithPlan(t, userID, role, "")
}

func (e *testEnv) tokenWithPlan(t *testing.T, userID, role, plan string) string {
	t.Helper()
	token, err := e.signer.Issue(auth.Claims{Sub: userID, Name: strings.ToUpper(userID[:1]) + userID[1:], Role: role, Plan: plan}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(payload))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (e *testEnv) createAnnotation(t *testing.T, token string) annotations.Annotation {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/documents/doc-1/annotations", token, map[string]any{
		"content":      "Looks fast",
		"startOffset":  4,
		"endOffset":    9,
		"selectedText": "quick",
	})
	expectStatus(t, rec, http.StatusCreated)
	var payload struct {
		Annotation annotations.Annotation `json:"annotation"`
	}
	decodeJSON(t, rec, &payload)
	return payload.Annotation
}

// seedAnnotation stores an annotation on doc-1 without any session checks.
func (e *testEnv) seedAnnotation(t *testing.T, authorID string) annotations.Annotation {
	t.Helper()
	created, err := e.service.notes.Create(context.Background(), annotations.Author{ID: authorID, Name: "Avery"}, annotations.CreateInput{
		DocumentID:   "doc-1",
		Content:      "Looks fast",
		StartOffset:  4,
		EndOffset:    9,
		SelectedText: "quick",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return created
}

func (m *memStore) snapshot(id string) (store.Annotation, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.annotations[id]
	replies := 0
	for _, r := range m.replies {
		if r.AnnotationID == id {
			replies++
		}
	}
	return a, replies, ok
}
