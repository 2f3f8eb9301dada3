package highlight

import (
	"errors"
	"log"
	"sort"

	"golang.org/x/net/html"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/annotations"
)

// Report summarises one refresh.
type Report struct {
	Painted  int            `json:"painted"`
	Resolved int            `json:"resolved"`
	Stale    int            `json:"stale"`
	Empty    int            `json:"empty"`
	Failed   int            `json:"failed"`
	Gutter   []GutterMarker `json:"gutter,omitempty"`
}

// GutterMarker places an annotation beside the top-level block of the
// container its span starts in. Resolved annotations get markers too.
type GutterMarker struct {
	Block        int    `json:"block"`
	AnnotationID string `json:"annotationId"`
	Status       string `json:"status"`
	Title        string `json:"title,omitempty"`
}

// Renderer rebuilds highlight wrappers from an annotation list. A renderer
// belongs to one container and is not safe for concurrent use.
type Renderer struct {
	logger     *log.Logger
	root       *html.Node
	painted    map[string]annotations.Annotation
	onActivate func(annotations.Annotation)
}

func NewRenderer(logger *log.Logger) *Renderer {
	if logger == nil {
		logger = log.Default()
	}
	return &Renderer{logger: logger, painted: map[string]annotations.Annotation{}}
}

// Refresh removes every wrapper under container and, when visible, paints the
// open annotations in start offset order. Anchors that no longer resolve and
// ranges that cannot be wrapped are logged and skipped.
func (r *Renderer) Refresh(container *html.Node, items []annotations.Annotation, onActivate func(annotations.Annotation), visible bool) Report {
	r.root = container
	surface := NewHTMLSurface(container)
	surface.UnwrapAll()
	var gutter []GutterMarker
	if visible {
		gutter = gutterMarkers(container, items)
	}
	report := r.RefreshSurface(surface, items, onActivate, visible)
	report.Gutter = gutter
	return report
}

// gutterMarkers must run on an unwrapped container so block indexes match
// the stored markup.
func gutterMarkers(container *html.Node, items []annotations.Annotation) []GutterMarker {
	ordered := make([]annotations.Annotation, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartOffset < ordered[j].StartOffset
	})

	var out []GutterMarker
	for _, item := range ordered {
		rng, ok := anchor.Locate(container, item.StartOffset, item.EndOffset)
		if !ok {
			continue
		}
		top := childToward(container, rng.StartNode)
		if top == nil {
			continue
		}
		block := 0
		for s := top.PrevSibling; s != nil; s = s.PrevSibling {
			block++
		}
		out = append(out, GutterMarker{
			Block:        block,
			AnnotationID: item.ID,
			Status:       string(item.Status),
			Title:        item.Content,
		})
	}
	return out
}

// RefreshSurface is Refresh over any Surface implementation.
func (r *Renderer) RefreshSurface(surface Surface, items []annotations.Annotation, onActivate func(annotations.Annotation), visible bool) Report {
	surface.UnwrapAll()
	r.painted = map[string]annotations.Annotation{}
	r.onActivate = onActivate

	var report Report
	if !visible {
		return report
	}

	ordered := make([]annotations.Annotation, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartOffset < ordered[j].StartOffset
	})

	for _, item := range ordered {
		if item.Status != annotations.StatusOpen {
			report.Resolved++
			continue
		}
		err := surface.WrapRange(item.StartOffset, item.EndOffset, Mark{
			ID:     item.ID,
			Status: string(item.Status),
			Title:  item.Content,
		})
		switch {
		case err == nil:
			r.painted[item.ID] = item
			report.Painted++
		case errors.Is(err, ErrStaleAnchor):
			report.Stale++
			r.logger.Printf("highlight: skipping annotation %s: stale anchor [%d,%d)", item.ID, item.StartOffset, item.EndOffset)
		case errors.Is(err, ErrEmptyRange):
			report.Empty++
		default:
			report.Failed++
			r.logger.Printf("highlight: warning: could not wrap annotation %s: %v", item.ID, err)
		}
	}
	return report
}

// Activate handles a click on node. The innermost wrapper around node decides
// which annotation is activated; for overlapping spans that is the one painted
// first. It reports false when node is not inside a painted highlight.
func (r *Renderer) Activate(node *html.Node) (annotations.Annotation, bool) {
	if r.root == nil {
		return annotations.Annotation{}, false
	}
	for n := node; n != nil && n != r.root; n = n.Parent {
		if !IsWrapper(n) {
			continue
		}
		item, ok := r.painted[WrapperID(n)]
		if !ok {
			continue
		}
		if r.onActivate != nil {
			r.onActivate(item)
		}
		return item, true
	}
	return annotations.Annotation{}, false
}
