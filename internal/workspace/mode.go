package workspace

import (
	"context"
	"time"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/annotations"
	"marginalia/api/internal/capture"
	"marginalia/api/internal/highlight"
)

// Mode is the interaction mode of a workspace.
type Mode string

const (
	// ModeEdit leaves the annotation layer inactive.
	ModeEdit Mode = "edit"
	// ModeAnnotate paints highlights and listens for selections.
	ModeAnnotate Mode = "annotate"
)

func ParseMode(value string) (Mode, bool) {
	switch Mode(value) {
	case ModeEdit, ModeAnnotate:
		return Mode(value), true
	default:
		return "", false
	}
}

// Gate decides whether annotate mode is permitted at all.
type Gate interface {
	Permitted(ctx context.Context) (bool, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) (bool, error)

func (f GateFunc) Permitted(ctx context.Context) (bool, error) {
	return f(ctx)
}

// HostSelection is a selection event as a host reports it, with boundary
// points addressed by path from the container.
type HostSelection struct {
	Anchor    anchor.PathPoint `json:"anchor"`
	Focus     anchor.PathPoint `json:"focus"`
	Bounds    *capture.Rect    `json:"bounds,omitempty"`
	Container capture.Rect     `json:"container"`
}

// State is an atomic snapshot of a workspace.
type State struct {
	DocumentID        string                   `json:"documentId"`
	Mode              Mode                     `json:"mode"`
	Permitted         bool                     `json:"permitted"`
	ReadOnly          bool                     `json:"readOnly"`
	PendingSelection  *anchor.SelectionResult  `json:"pendingSelection"`
	Affordance        *capture.Placement       `json:"affordance"`
	Form              *anchor.SelectionResult  `json:"form"`
	PanelOpen         bool                     `json:"panelOpen"`
	HighlightsVisible bool                     `json:"highlightsVisible"`
	SelectedID        string                   `json:"selectedId,omitempty"`
	Notice            string                   `json:"notice,omitempty"`
	Busy              bool                     `json:"busy"`
	Annotations       []annotations.Annotation `json:"annotations"`
	Highlights        highlight.Report         `json:"highlights"`
	UpdatedAt         time.Time                `json:"updatedAt"`
	HTML              string                   `json:"html"`
}
