// Package tui renders a live dashboard of supervised kernels with tview.
package tui

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rivo/tview"

	"github.com/Paintersrp/kernelsup/internal/api"
	"github.com/Paintersrp/kernelsup/internal/kernel"
)

const (
	kernelsTitle    = "Kernels"
	outputTitle     = "Output"
	mainPage        = "main"
	overlayPage     = "overlay"
	outputLines     = 500
	refreshInterval = 500 * time.Millisecond
	actionTimeout   = time.Minute
)

// Option configures a UI.
type Option func(*UI)

// WithOutputLines caps the output lines kept per kernel.
func WithOutputLines(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLines = n
		}
	}
}

// WithController enables the restart and interrupt shortcuts.
func WithController(ctrl api.Controller) Option {
	return func(u *UI) { u.ctrl = ctrl }
}

// UI is the dashboard. Feed it through EventSink and call CloseEvents once
// no more events will be sent.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	output *tview.TextView
	events chan kernel.Event
	ctrl   api.Controller

	mu       sync.RWMutex
	kernels  map[string]*entry
	rows     []string
	current  string
	filter   *regexp.Regexp
	rawJSON  bool
	maxLines int

	// Owned by the tview goroutine.
	outputFocused bool
	selecting     bool

	stopOnce  sync.Once
	closeOnce sync.Once
	stopped   chan struct{}
}

// New builds the dashboard.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(kernelsTitle)
	output := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	output.SetBorder(true).SetTitle(outputTitle)
	output.SetChangedFunc(func() { app.Draw() })

	u := newUI(app, table, output, opts...)
	table.SetSelectedFunc(u.onSelect)
	table.SetSelectionChangedFunc(u.onSelect)

	u.mu.Lock()
	u.drawTableLocked()
	u.mu.Unlock()
	return u
}

func newUI(app *tview.Application, table *tview.Table, output *tview.TextView, opts ...Option) *UI {
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(output, 0, 2, false)

	u := &UI{
		app:      app,
		pages:    tview.NewPages().AddPage(mainPage, layout, true, true),
		table:    table,
		output:   output,
		events:   make(chan kernel.Event, 256),
		kernels:  make(map[string]*entry),
		maxLines: outputLines,
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	app.SetRoot(u.pages, true)
	app.SetInputCapture(u.handleKey)
	return u
}

// EventSink is where supervisor events are delivered.
func (u *UI) EventSink() chan<- kernel.Event { return u.events }

// CloseEvents closes the sink. Run does not return before it is called.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() { close(u.events) })
}

// Done is closed once the UI stops, whether by the user or by Stop.
func (u *UI) Done() <-chan struct{} { return u.stopped }

// Stop ends the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.app.Stop()
		close(u.stopped)
	})
}

// Run draws the dashboard until the user quits, Stop is called or ctx ends.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	folded := make(chan struct{})
	go func() {
		defer close(folded)
		u.fold(ctx)
	}()
	go func() {
		select {
		case <-ctx.Done():
			u.Stop()
		case <-u.stopped:
		}
	}()

	var err error
	select {
	case <-u.stopped:
	default:
		err = u.app.Run()
	}
	u.Stop()
	cancel()
	<-folded
	return err
}

// fold applies events while ctx is live and then discards the rest so
// senders never block on a stopped UI.
func (u *UI) fold(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for range u.events {
			}
			return
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			u.mu.Lock()
			redrawOutput := u.foldLocked(evt)
			u.mu.Unlock()
			u.queueRedraw(redrawOutput)
		case <-ticker.C:
			u.queueRedraw(false)
		}
	}
}

func (u *UI) queueRedraw(output bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.drawTableLocked()
		if output {
			u.drawOutputLocked()
		}
	})
}
