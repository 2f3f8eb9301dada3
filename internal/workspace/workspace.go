// Package workspace runs one annotatable document: the edit/annotate mode
// state machine, selection capture, highlight rendering and the annotation
// list, all owned by a single event loop.
package workspace

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/annotations"
	"marginalia/api/internal/capture"
	"marginalia/api/internal/highlight"
)

const (
	NoticeSelectText     = "Please select some text to annotate."
	NoticeContentMissing = "Annotation content is required."
	NoticeNotPermitted   = "Annotations are not available on your plan."
	NoticeReadOnly       = "This document is read-only."
	NoticeContentChanged = "The document changed. Select the text again."
	NoticeLoadFailed     = "Failed to load annotations."
	NoticeCreateFailed   = "Failed to create annotation."
	NoticeUpdateFailed   = "Failed to update annotation."
	NoticeDeleteFailed   = "Failed to delete annotation."
	NoticeReplyFailed    = "Failed to save reply."
)

type Options struct {
	DocumentID string
	Content    string
	Adapter    annotations.Adapter
	// Gate is polled every GatePoll. Without a gate, Permitted is used as is.
	Gate      Gate
	GatePoll  time.Duration
	Permitted bool
	ReadOnly  bool
	Debounce  time.Duration
	Scheduler capture.Scheduler
	Logger    *log.Logger
}

// Workspace is safe for concurrent use. Every exported method hands its work
// to the loop started by Run.
type Workspace struct {
	opts   Options
	logger *log.Logger
	events chan func()
	done   chan struct{}
	ctx    context.Context

	container *html.Node
	markup    string
	renderer  *highlight.Renderer
	capture   *capture.Controller
	bus       *capture.Bus
	detach    func()

	mode       Mode
	permitted  bool
	form       *anchor.SelectionResult
	submitting bool
	panelOpen  bool
	visible    bool
	selectedID string
	notice     string
	inflight   int
	items      []annotations.Annotation
	report     highlight.Report
	updatedAt  time.Time

	mu        sync.Mutex
	nextSub   int
	listeners map[int]func(State)
}

func New(opts Options) *Workspace {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	w := &Workspace{
		opts:      opts,
		logger:    logger,
		events:    make(chan func(), 128),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		renderer:  highlight.NewRenderer(logger),
		bus:       capture.NewBus(),
		mode:      ModeEdit,
		permitted: opts.Permitted,
		visible:   true,
		listeners: map[int]func(State){},
	}
	w.capture = capture.NewController(capture.Options{
		Delay:     opts.Debounce,
		Scheduler: opts.Scheduler,
		Post:      func(fn func()) { w.post(fn) },
		Container: func() *html.Node { return w.container },
	})
	w.setContainer(opts.Content)
	return w
}

// Run processes events until ctx is done. It loads the annotation list and
// starts gate polling first.
func (w *Workspace) Run(ctx context.Context) {
	w.ctx = ctx
	defer close(w.done)
	defer w.detachHost()

	if w.opts.Gate != nil {
		w.permitted = w.checkGate(ctx)
		if w.opts.GatePoll > 0 {
			go w.pollGate(ctx)
		}
	}
	w.reload()
	w.publish()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-w.events:
			fn()
			w.publish()
		}
	}
}

// Done is closed once Run returns.
func (w *Workspace) Done() <-chan struct{} {
	return w.done
}

func (w *Workspace) post(fn func()) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.events <- fn:
		return true
	case <-w.done:
		return false
	}
}

// command runs a user command. User commands replace any standing notice.
func (w *Workspace) command(fn func()) {
	w.post(func() {
		w.notice = ""
		fn()
	})
}

// Snapshot returns the current state. After Run has returned it returns the
// zero State.
func (w *Workspace) Snapshot() State {
	out := make(chan State, 1)
	if !w.post(func() { out <- w.snapshot() }) {
		return State{}
	}
	select {
	case s := <-out:
		return s
	case <-w.done:
		return State{}
	}
}

// Subscribe registers fn to receive a snapshot after every processed event.
// fn runs on the loop and must not block or call back into the workspace.
func (w *Workspace) Subscribe(fn func(State)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextSub++
	id := w.nextSub
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

func (w *Workspace) publish() {
	w.mu.Lock()
	listeners := make([]func(State), 0, len(w.listeners))
	for _, fn := range w.listeners {
		listeners = append(listeners, fn)
	}
	w.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	s := w.snapshot()
	for _, fn := range listeners {
		fn(s)
	}
}

func (w *Workspace) snapshot() State {
	items := make([]annotations.Annotation, len(w.items))
	for i, item := range w.items {
		item.Replies = append([]annotations.Reply(nil), item.Replies...)
		items[i] = item
	}
	var form *anchor.SelectionResult
	if w.form != nil {
		copied := *w.form
		form = &copied
	}
	return State{
		DocumentID:        w.opts.DocumentID,
		Mode:              w.mode,
		Permitted:         w.permitted,
		ReadOnly:          w.opts.ReadOnly,
		PendingSelection:  w.capture.Pending(),
		Affordance:        w.capture.Affordance(),
		Form:              form,
		PanelOpen:         w.panelOpen,
		HighlightsVisible: w.visible,
		SelectedID:        w.selectedID,
		Notice:            w.notice,
		Busy:              w.inflight > 0,
		Annotations:       items,
		Highlights:        w.report,
		UpdatedAt:         w.updatedAt,
		HTML:              w.markup,
	}
}

func (w *Workspace) SetMode(m Mode) {
	w.command(func() { w.setMode(m) })
}

// SetPermitted applies a capability change pushed from outside the poller.
func (w *Workspace) SetPermitted(permitted bool) {
	w.post(func() { w.setPermitted(permitted) })
}

func (w *Workspace) setMode(m Mode) {
	if m == w.mode {
		return
	}
	switch m {
	case ModeAnnotate:
		if !w.permitted {
			w.notice = NoticeNotPermitted
			return
		}
		w.mode = ModeAnnotate
		w.detach = w.bus.Attach(w.hostHandlers())
		w.refresh()
	case ModeEdit:
		w.leaveAnnotate()
	}
}

func (w *Workspace) setPermitted(permitted bool) {
	if permitted == w.permitted {
		return
	}
	w.permitted = permitted
	if permitted {
		return
	}
	w.leaveAnnotate()
	w.capture.Clear()
	w.form = nil
	w.panelOpen = false
}

// leaveAnnotate resets every annotate-mode surface in one step.
func (w *Workspace) leaveAnnotate() {
	if w.mode != ModeAnnotate {
		return
	}
	w.mode = ModeEdit
	w.detachHost()
	w.capture.Clear()
	w.form = nil
	w.panelOpen = false
	w.selectedID = ""
	w.refresh()
}

func (w *Workspace) detachHost() {
	if w.detach != nil {
		w.detach()
		w.detach = nil
	}
}

func (w *Workspace) checkGate(ctx context.Context) bool {
	ok, err := w.opts.Gate.Permitted(ctx)
	if err != nil {
		w.logger.Printf("workspace: document %s: capability check failed: %v", w.opts.DocumentID, err)
		return false
	}
	return ok
}

func (w *Workspace) pollGate(ctx context.Context) {
	ticker := time.NewTicker(w.opts.GatePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			ok := w.checkGate(ctx)
			if !w.post(func() { w.setPermitted(ok) }) {
				return
			}
		}
	}
}

// ReplaceContent swaps the document markup and repaints against it. A pending
// selection or open form refers to the old text and is dropped.
func (w *Workspace) ReplaceContent(markup string) {
	w.command(func() {
		w.setContainer(markup)
		w.capture.Clear()
		if w.form != nil {
			w.form = nil
			w.notice = NoticeContentChanged
		}
		w.refresh()
	})
}

func (w *Workspace) setContainer(markup string) {
	root, err := highlight.ParseContainer(markup)
	if err != nil {
		w.logger.Printf("workspace: document %s: could not parse content: %v", w.opts.DocumentID, err)
	}
	w.container = root
	w.markup = w.render()
}

func (w *Workspace) refresh() {
	visible := w.mode == ModeAnnotate && w.visible
	w.report = w.renderer.Refresh(w.container, w.items, w.activate, visible)
	w.markup = w.render()
}

func (w *Workspace) render() string {
	out, err := highlight.RenderContainer(w.container)
	if err != nil {
		w.logger.Printf("workspace: document %s: %v", w.opts.DocumentID, err)
	}
	return out
}

func (w *Workspace) SelectionChanged(ev HostSelection) {
	w.post(func() { w.bus.Selection(w.selectionEvent(ev)) })
}

func (w *Workspace) PointerUp(ev HostSelection) {
	w.post(func() { w.bus.PointerUp(w.selectionEvent(ev)) })
}

// Click reports a pointer click on the node at path. A nil path means the
// click landed outside the container.
func (w *Workspace) Click(path []int, onAffordance bool) {
	w.post(func() {
		var target *html.Node
		if path != nil {
			target, _ = anchor.ResolvePath(w.container, path)
		}
		w.bus.Click(capture.ClickEvent{Target: target, OnAffordance: onAffordance})
	})
}

func (w *Workspace) Key(ev capture.KeyEvent) {
	w.command(func() { w.bus.Key(ev) })
}

func (w *Workspace) selectionEvent(ev HostSelection) capture.SelectionEvent {
	out := capture.SelectionEvent{Bounds: ev.Bounds, Container: ev.Container}
	a, okA := ev.Anchor.Resolve(w.container)
	f, okF := ev.Focus.Resolve(w.container)
	if okA && okF {
		out.Selection = &anchor.Selection{Anchor: a, Focus: f}
	}
	return out
}

func (w *Workspace) hostHandlers() capture.Handlers {
	return capture.Handlers{
		Selection: w.capture.SelectionChanged,
		PointerUp: w.capture.PointerUp,
		Click: func(ev capture.ClickEvent) {
			_, onHighlight := w.renderer.Activate(ev.Target)
			w.capture.Click(ev.OnAffordance, onHighlight)
		},
		Key: w.handleKey,
	}
}

func (w *Workspace) handleKey(ev capture.KeyEvent) {
	if w.opts.ReadOnly {
		return
	}
	switch capture.MatchShortcut(ev) {
	case capture.CommandCreate:
		w.openForm()
	case capture.CommandTogglePanel:
		w.panelOpen = !w.panelOpen
	case capture.CommandNext:
		w.step(1)
	case capture.CommandPrev:
		w.step(-1)
	}
}

func (w *Workspace) activate(item annotations.Annotation) {
	w.selectedID = item.ID
	w.panelOpen = true
}

func (w *Workspace) OpenCreateForm() {
	w.command(w.openForm)
}

func (w *Workspace) CancelForm() {
	w.command(func() { w.form = nil })
}

func (w *Workspace) TogglePanel() {
	w.command(func() {
		if w.mode == ModeAnnotate {
			w.panelOpen = !w.panelOpen
		}
	})
}

func (w *Workspace) ToggleHighlights() {
	w.command(func() {
		w.visible = !w.visible
		w.refresh()
	})
}

func (w *Workspace) openForm() {
	if w.mode != ModeAnnotate || !w.writable() {
		return
	}
	pending := w.capture.Pending()
	if pending == nil {
		w.notice = NoticeSelectText
		return
	}
	w.form = pending
}

// Submit creates an annotation from the open form.
func (w *Workspace) Submit(content string) {
	w.command(func() {
		if !w.writable() {
			return
		}
		if w.form == nil {
			w.notice = NoticeSelectText
			return
		}
		content = strings.TrimSpace(content)
		if content == "" {
			w.notice = NoticeContentMissing
			return
		}
		if w.submitting {
			return
		}
		w.submitting = true
		draft := *w.form
		input := annotations.CreateInput{
			DocumentID:   w.opts.DocumentID,
			Content:      content,
			StartOffset:  draft.StartOffset,
			EndOffset:    draft.EndOffset,
			SelectedText: draft.Text,
		}
		w.async(func(ctx context.Context) func() {
			created, err := w.opts.Adapter.CreateAnnotation(ctx, input)
			return func() {
				w.submitting = false
				if err != nil {
					w.logger.Printf("workspace: document %s: create annotation: %v", w.opts.DocumentID, err)
					w.notice = NoticeCreateFailed
					return
				}
				w.items = append(w.items, created)
				sortItems(w.items)
				if w.mode == ModeAnnotate {
					w.capture.Clear()
					w.form = nil
					w.selectedID = created.ID
					w.panelOpen = true
				}
				w.refresh()
			}
		})
	})
}

func (w *Workspace) Select(id string) {
	w.command(func() {
		if w.find(id) < 0 {
			return
		}
		w.selectedID = id
		w.panelOpen = true
	})
}

func (w *Workspace) Next() { w.command(func() { w.step(1) }) }

func (w *Workspace) Prev() { w.command(func() { w.step(-1) }) }

// step moves the selection through the open annotations in document order,
// wrapping at both ends.
func (w *Workspace) step(delta int) {
	var open []string
	for _, item := range w.items {
		if item.Status == annotations.StatusOpen {
			open = append(open, item.ID)
		}
	}
	if len(open) == 0 {
		return
	}
	idx := -1
	for i, id := range open {
		if id == w.selectedID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0 && delta > 0:
		idx = 0
	case idx < 0:
		idx = len(open) - 1
	default:
		idx = (idx + delta + len(open)) % len(open)
	}
	w.selectedID = open[idx]
}

// ToggleStatus flips an annotation between open and resolved.
func (w *Workspace) ToggleStatus(id string) {
	w.command(func() {
		i := w.find(id)
		if i < 0 {
			return
		}
		next := annotations.StatusResolved
		if w.items[i].Status == annotations.StatusResolved {
			next = annotations.StatusOpen
		}
		w.setStatus(id, next)
	})
}

func (w *Workspace) SetStatus(id string, status annotations.Status) {
	w.command(func() { w.setStatus(id, status) })
}

func (w *Workspace) setStatus(id string, status annotations.Status) {
	if !w.writable() {
		return
	}
	w.async(func(ctx context.Context) func() {
		ok, err := w.opts.Adapter.UpdateAnnotationStatus(ctx, id, status)
		return func() {
			if err != nil || !ok {
				if err != nil {
					w.logger.Printf("workspace: document %s: update annotation %s: %v", w.opts.DocumentID, id, err)
				}
				w.notice = NoticeUpdateFailed
				return
			}
			i := w.find(id)
			if i < 0 {
				return
			}
			w.items[i].Status = status
			w.items[i].UpdatedAt = time.Now().UTC()
			w.refresh()
		}
	})
}

func (w *Workspace) Delete(id string) {
	w.command(func() {
		if !w.writable() {
			return
		}
		w.async(func(ctx context.Context) func() {
			ok, err := w.opts.Adapter.DeleteAnnotation(ctx, id)
			return func() {
				if err != nil || !ok {
					if err != nil {
						w.logger.Printf("workspace: document %s: delete annotation %s: %v", w.opts.DocumentID, id, err)
					}
					w.notice = NoticeDeleteFailed
					return
				}
				if i := w.find(id); i >= 0 {
					w.items = append(w.items[:i], w.items[i+1:]...)
				}
				if w.selectedID == id {
					w.selectedID = ""
				}
				w.refresh()
			}
		})
	})
}

func (w *Workspace) Reply(annotationID, content string) {
	w.command(func() {
		if !w.writable() {
			return
		}
		content = strings.TrimSpace(content)
		if content == "" {
			w.notice = NoticeContentMissing
			return
		}
		if w.find(annotationID) < 0 {
			return
		}
		w.async(func(ctx context.Context) func() {
			reply, err := w.opts.Adapter.CreateReply(ctx, annotations.ReplyInput{AnnotationID: annotationID, Content: content})
			return func() {
				if err != nil {
					w.logger.Printf("workspace: document %s: reply to %s: %v", w.opts.DocumentID, annotationID, err)
					w.notice = NoticeReplyFailed
					return
				}
				if i := w.find(annotationID); i >= 0 {
					w.items[i].Replies = append(w.items[i].Replies, reply)
				}
			}
		})
	})
}

func (w *Workspace) DeleteReply(annotationID, replyID string) {
	w.command(func() {
		if !w.writable() {
			return
		}
		w.async(func(ctx context.Context) func() {
			ok, err := w.opts.Adapter.DeleteReply(ctx, replyID, annotationID)
			return func() {
				if err != nil || !ok {
					if err != nil {
						w.logger.Printf("workspace: document %s: delete reply %s: %v", w.opts.DocumentID, replyID, err)
					}
					w.notice = NoticeDeleteFailed
					return
				}
				i := w.find(annotationID)
				if i < 0 {
					return
				}
				replies := w.items[i].Replies[:0]
				for _, r := range w.items[i].Replies {
					if r.ID != replyID {
						replies = append(replies, r)
					}
				}
				w.items[i].Replies = replies
			}
		})
	})
}

// writable reports whether annotations may be changed and sets the refusal
// notice when they may not.
func (w *Workspace) writable() bool {
	switch {
	case !w.permitted:
		w.notice = NoticeNotPermitted
		return false
	case w.opts.ReadOnly:
		w.notice = NoticeReadOnly
		return false
	}
	return true
}

// Reload refetches the annotation list.
func (w *Workspace) Reload() {
	w.command(w.reload)
}

// ListChanged refetches the list after a change made outside this workspace.
// Unlike Reload it leaves the current notice alone.
func (w *Workspace) ListChanged() {
	w.post(w.reload)
}

func (w *Workspace) reload() {
	w.async(func(ctx context.Context) func() {
		items, err := w.opts.Adapter.ListAnnotations(ctx, w.opts.DocumentID)
		return func() {
			if err != nil {
				w.logger.Printf("workspace: document %s: list annotations: %v", w.opts.DocumentID, err)
				w.notice = NoticeLoadFailed
				return
			}
			sortItems(items)
			w.items = items
			if w.selectedID != "" && w.find(w.selectedID) < 0 {
				w.selectedID = ""
			}
			w.refresh()
		}
	})
}

// async runs call off the loop and applies the function it returns on the
// loop. Results that arrive after Run returned are dropped.
func (w *Workspace) async(call func(ctx context.Context) func()) {
	w.inflight++
	ctx := w.ctx
	go func() {
		apply := call(ctx)
		w.post(func() {
			w.inflight--
			w.updatedAt = time.Now().UTC()
			apply()
		})
	}()
}

func (w *Workspace) find(id string) int {
	for i, item := range w.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func sortItems(items []annotations.Annotation) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].StartOffset != items[j].StartOffset {
			return items[i].StartOffset < items[j].StartOffset
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
