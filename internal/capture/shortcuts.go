package capture

import (
	"strings"

	"golang.org/x/net/html"
)

type Command int

const (
	CommandNone Command = iota
	CommandCreate
	CommandTogglePanel
	CommandNext
	CommandPrev
)

func (c Command) String() string {
	switch c {
	case CommandCreate:
		return "create"
	case CommandTogglePanel:
		return "toggle-panel"
	case CommandNext:
		return "next"
	case CommandPrev:
		return "prev"
	default:
		return "none"
	}
}

type KeyEvent struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Meta  bool   `json:"meta"`
	Alt   bool   `json:"alt"`
}

// MatchShortcut maps Ctrl/Cmd+Shift combinations to commands.
func MatchShortcut(ev KeyEvent) Command {
	if !(ev.Ctrl || ev.Meta) || !ev.Shift || ev.Alt {
		return CommandNone
	}
	switch strings.ToLower(ev.Key) {
	case "a":
		return CommandCreate
	case "p":
		return CommandTogglePanel
	case "n":
		return CommandNext
	case "b":
		return CommandPrev
	default:
		return CommandNone
	}
}

type ClickEvent struct {
	Target       *html.Node
	OnAffordance bool
}

// Handlers receive host events while attached.
type Handlers struct {
	Selection func(SelectionEvent)
	PointerUp func(SelectionEvent)
	Click     func(ClickEvent)
	Key       func(KeyEvent)
}

// Bus dispatches host events to the attached handler sets. Events with no
// attached handlers are dropped. A Bus is owned by a single goroutine.
type Bus struct {
	next     int
	handlers map[int]Handlers
}

func NewBus() *Bus {
	return &Bus{handlers: map[int]Handlers{}}
}

// Attach registers h and returns the function that detaches it. Detaching
// twice is harmless.
func (b *Bus) Attach(h Handlers) func() {
	b.next++
	id := b.next
	b.handlers[id] = h
	return func() {
		delete(b.handlers, id)
	}
}

func (b *Bus) Attached() int {
	return len(b.handlers)
}

func (b *Bus) Selection(ev SelectionEvent) {
	for _, h := range b.snapshot() {
		if h.Selection != nil {
			h.Selection(ev)
		}
	}
}

func (b *Bus) PointerUp(ev SelectionEvent) {
	for _, h := range b.snapshot() {
		if h.PointerUp != nil {
			h.PointerUp(ev)
		}
	}
}

func (b *Bus) Click(ev ClickEvent) {
	for _, h := range b.snapshot() {
		if h.Click != nil {
			h.Click(ev)
		}
	}
}

func (b *Bus) Key(ev KeyEvent) {
	for _, h := range b.snapshot() {
		if h.Key != nil {
			h.Key(ev)
		}
	}
}

func (b *Bus) snapshot() []Handlers {
	out := make([]Handlers, 0, len(b.handlers))
	for _, h := range b.handlers {
		out = append(out, h)
	}
	return out
}
