// Package capture turns host selection gestures into pending selection drafts.
package capture

import (
	"time"

	"golang.org/x/net/html"

	"marginalia/api/internal/anchor"
)

const DefaultDebounce = 40 * time.Millisecond

// Rect is a host-measured on-screen box.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether o lies fully inside r.
func (r Rect) Contains(o Rect) bool {
	return o.X >= r.X && o.Y >= r.Y &&
		o.X+o.Width <= r.X+r.Width &&
		o.Y+o.Height <= r.Y+r.Height
}

// Placement positions the floating create affordance relative to the container.
type Placement struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SelectionEvent is one selection-changed or pointer-up notification.
// Bounds is the bounding box of the active range, when the host measured it.
type SelectionEvent struct {
	Selection *anchor.Selection
	Bounds    *Rect
	Container Rect
}

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// Scheduler arms debounce timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	Delay     time.Duration
	Scheduler Scheduler
	// Post hands a function back to the goroutine that owns the container.
	// Debounced captures always run through it.
	Post func(func())
	// Container returns the current container at capture time.
	Container func() *html.Node
	// OnChange is called after the pending selection or affordance changed.
	OnChange func()
}

// Controller keeps the pending selection draft. All methods must be called
// from the goroutine that owns the container.
type Controller struct {
	opts Options

	latest     *SelectionEvent
	timer      Timer
	generation uint64

	pending    *anchor.SelectionResult
	affordance *Placement
}

func NewController(opts Options) *Controller {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDebounce
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clockScheduler{}
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.Container == nil {
		opts.Container = func() *html.Node { return nil }
	}
	return &Controller{opts: opts}
}

// SelectionChanged records ev and re-arms the debounce.
func (c *Controller) SelectionChanged(ev SelectionEvent) {
	c.arm(ev)
}

// PointerUp records ev and re-arms the debounce.
func (c *Controller) PointerUp(ev SelectionEvent) {
	c.arm(ev)
}

func (c *Controller) arm(ev SelectionEvent) {
	c.latest = &ev
	if c.timer != nil {
		c.timer.Stop()
	}
	c.generation++
	gen := c.generation
	c.timer = c.opts.Scheduler.AfterFunc(c.opts.Delay, func() {
		c.opts.Post(func() { c.fire(gen) })
	})
}

// fire runs a debounced capture. Superseded generations do nothing; the live
// one reads the latest event and the current container.
func (c *Controller) fire(gen uint64) {
	if gen != c.generation || c.latest == nil {
		return
	}
	ev := c.latest
	c.latest = nil
	c.timer = nil

	result := anchor.Capture(c.opts.Container(), ev.Selection)
	if result == nil {
		return
	}
	var placement *Placement
	if ev.Bounds != nil {
		if !ev.Container.Contains(*ev.Bounds) {
			return
		}
		placement = &Placement{
			X: ev.Bounds.X - ev.Container.X + ev.Bounds.Width/2,
			Y: ev.Bounds.Y - ev.Container.Y,
		}
	}
	c.pending = result
	c.affordance = placement
	c.changed()
}

// Click handles a pointer click. Clicks outside both the affordance and any
// highlight drop the pending selection.
func (c *Controller) Click(onAffordance, onHighlight bool) {
	if onAffordance || onHighlight {
		return
	}
	c.Clear()
}

// Clear drops the pending selection, hides the affordance and cancels any
// scheduled capture.
func (c *Controller) Clear() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	c.latest = nil
	if c.pending == nil && c.affordance == nil {
		return
	}
	c.pending = nil
	c.affordance = nil
	c.changed()
}

func (c *Controller) Pending() *anchor.SelectionResult {
	if c.pending == nil {
		return nil
	}
	copied := *c.pending
	return &copied
}

func (c *Controller) Affordance() *Placement {
	if c.affordance == nil {
		return nil
	}
	copied := *c.affordance
	return &copied
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
