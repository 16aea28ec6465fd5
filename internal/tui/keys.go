package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/kernelsup/internal/cliutil"
)

// overlayOpen reports whether a prompt or modal has the keyboard.
func (u *UI) overlayOpen() bool {
	focus := u.app.GetFocus()
	return focus != nil && focus != u.table && focus != u.output
}

func (u *UI) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	if u.overlayOpen() {
		return ev
	}
	if ev.Key() == tcell.KeyEnter {
		u.switchPane()
		return nil
	}
	if ev.Key() != tcell.KeyRune {
		return ev
	}
	switch ev.Rune() {
	case 'q', 'Q':
		go u.Stop()
	case '/':
		u.promptFilter()
	case 'j', 'J':
		u.mu.Lock()
		u.rawJSON = !u.rawJSON
		u.drawOutputLocked()
		u.mu.Unlock()
	case 'r', 'R':
		u.act("restart", func(ctx context.Context, name string) error {
			_, err := u.ctrl.RestartKernel(ctx, name)
			return err
		})
	case 'i', 'I':
		u.act("interrupt", func(ctx context.Context, name string) error {
			_, err := u.ctrl.InterruptKernel(ctx, name)
			return err
		})
	default:
		return ev
	}
	return nil
}

func (u *UI) switchPane() {
	u.outputFocused = !u.outputFocused
	if u.outputFocused {
		u.app.SetFocus(u.output)
		return
	}
	u.app.SetFocus(u.table)
}

// act runs fn against the highlighted kernel off the tview goroutine.
// Failures surface in a modal.
func (u *UI) act(verb string, fn func(context.Context, string) error) {
	u.mu.RLock()
	name := u.current
	u.mu.RUnlock()
	if u.ctrl == nil || name == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		err := fn(ctx, name)
		if err == nil {
			return
		}
		text := cliutil.RedactSecrets(fmt.Sprintf("%s %s: %v", verb, name, err))
		u.app.QueueUpdateDraw(func() { u.alert(text) })
	}()
}

func (u *UI) promptFilter() {
	u.mu.RLock()
	current := ""
	if u.filter != nil {
		current = u.filter.String()
	}
	u.mu.RUnlock()

	field := tview.NewInputField().SetLabel("Kernel regex: ").SetText(current).SetFieldWidth(40)
	form := tview.NewForm().AddFormItem(field)
	form.AddButton("Apply", func() {
		u.closeOverlay()
		u.setFilter(field.GetText())
	})
	form.AddButton("Cancel", u.closeOverlay)
	form.SetBorder(true).SetTitle("Filter")

	u.openOverlay(centered(form, 60, 7), field)
}

func (u *UI) setFilter(expr string) {
	var re *regexp.Regexp
	if expr = strings.TrimSpace(expr); expr != "" {
		var err error
		if re, err = regexp.Compile(expr); err != nil {
			u.alert(fmt.Sprintf("bad filter: %v", err))
			return
		}
	}
	u.mu.Lock()
	u.filter = re
	u.mu.Unlock()
	u.queueRedraw(true)
}

func (u *UI) alert(text string) {
	modal := tview.NewModal().SetText(text).AddButtons([]string{"OK"})
	modal.SetDoneFunc(func(int, string) { u.closeOverlay() })
	u.openOverlay(modal, modal)
}

// openOverlay replaces any open overlay with p and focuses focus.
func (u *UI) openOverlay(p tview.Primitive, focus tview.Primitive) {
	u.pages.RemovePage(overlayPage)
	u.pages.AddPage(overlayPage, p, true, true)
	u.app.SetFocus(focus)
}

func (u *UI) closeOverlay() {
	u.pages.RemovePage(overlayPage)
	u.outputFocused = false
	u.app.SetFocus(u.table)
}

func centered(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewGrid().
		SetColumns(0, width, 0).
		SetRows(0, height, 0).
		AddItem(p, 1, 1, 1, 1, 0, 0, true)
}
