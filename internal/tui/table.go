package tui

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/kernelsup/internal/cliutil"
	"github.com/Paintersrp/kernelsup/internal/kernel"
)

var columns = []string{"KERNEL", "STATE", "PID", "RESTARTS", "AGE", "MESSAGE"}

const messageWidth = 80

// entry is the dashboard's view of one kernel.
type entry struct {
	name      string
	firstSeen time.Time
	state     kernel.EventType
	alive     bool
	pid       int
	restarts  int
	message   string
	lines     []cliutil.LogRecord
}

// foldLocked records evt and reports whether the output pane shows the
// affected kernel.
func (u *UI) foldLocked(evt kernel.Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e, ok := u.kernels[evt.Kernel]
	if !ok {
		e = &entry{name: evt.Kernel, firstSeen: evt.Timestamp}
		u.kernels[evt.Kernel] = e
	}

	if evt.Type == kernel.EventTypeLog {
		e.lines = append(e.lines, cliutil.NewLogRecord(evt))
		if over := len(e.lines) - u.maxLines; over > 0 {
			e.lines = slices.Clone(e.lines[over:])
		}
		return u.current == "" || u.current == e.name
	}

	e.state = evt.Type
	e.message = summarize(evt)
	switch evt.Type {
	case kernel.EventTypeRunning:
		e.alive, e.pid = true, evt.PID
		if evt.Reason == kernel.ReasonRestart {
			e.restarts++
		}
	case kernel.EventTypeExited, kernel.EventTypeStopped:
		e.alive = false
	}
	return u.current == "" || u.current == e.name
}

// summarize renders "message: err (reason)" with secrets redacted.
func summarize(evt kernel.Event) string {
	parts := make([]string, 0, 2)
	if evt.Message != "" {
		parts = append(parts, evt.Message)
	}
	if evt.Err != nil {
		parts = append(parts, evt.Err.Error())
	}
	text := strings.Join(parts, ": ")
	switch {
	case evt.Reason == "":
	case text == "":
		text = string(evt.Reason)
	default:
		text += " (" + string(evt.Reason) + ")"
	}
	return cliutil.RedactSecrets(text)
}

func (u *UI) drawTableLocked() {
	u.table.Clear()
	for col, name := range columns {
		u.table.SetCell(0, col, tview.NewTableCell(name).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}

	u.rows = u.rows[:0]
	for name := range u.kernels {
		if u.filter == nil || u.filter.MatchString(name) {
			u.rows = append(u.rows, name)
		}
	}
	slices.Sort(u.rows)

	title := kernelsTitle
	if u.filter != nil {
		title += " /" + u.filter.String() + "/"
	}
	u.table.SetTitle(title)

	for i, name := range u.rows {
		e := u.kernels[name]
		for col, text := range e.cells() {
			cell := tview.NewTableCell(tview.Escape(text))
			switch col {
			case 0:
				cell.SetReference(name)
			case 1:
				cell.SetTextColor(stateColor(e.state))
			}
			u.table.SetCell(i+1, col, cell)
		}
	}
	u.keepSelectionLocked()
}

func (e *entry) cells() []string {
	state, pid, age := "-", "-", "-"
	if e.state != "" {
		state = strings.ToUpper(string(e.state[:1])) + string(e.state[1:])
	}
	if e.alive && e.pid > 0 {
		pid = strconv.Itoa(e.pid)
	}
	if !e.firstSeen.IsZero() {
		age = time.Since(e.firstSeen).Truncate(time.Second).String()
	}
	msg := e.message
	if len(msg) > messageWidth {
		msg = msg[:messageWidth-3] + "..."
	}
	return []string{e.name, state, pid, strconv.Itoa(e.restarts), age, msg}
}

// keepSelectionLocked keeps the highlighted row on the current kernel, or
// the first row when it is filtered out or gone.
func (u *UI) keepSelectionLocked() {
	u.selecting = true
	defer func() { u.selecting = false }()

	idx := slices.Index(u.rows, u.current)
	switch {
	case len(u.rows) == 0:
		u.current = ""
		u.table.Select(0, 0)
		return
	case idx < 0:
		idx = 0
		u.current = u.rows[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) onSelect(row, _ int) {
	if u.selecting {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if row >= 1 && row <= len(u.rows) {
		u.current = u.rows[row-1]
	}
	u.drawOutputLocked()
}

func (u *UI) drawOutputLocked() {
	u.output.Clear()
	e := u.kernels[u.current]
	if e == nil {
		u.output.SetTitle(outputTitle)
		return
	}
	u.output.SetTitle(fmt.Sprintf("%s (%s)", outputTitle, e.name))
	for _, rec := range e.lines {
		if !u.rawJSON {
			fmt.Fprintf(u.output, "%s [%s] %s\n", rec.Timestamp.Format(time.TimeOnly), rec.Source, tview.Escape(rec.Message))
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			data = []byte(strconv.Quote(err.Error()))
		}
		fmt.Fprintln(u.output, tview.Escape(string(data)))
	}
	u.output.ScrollToEnd()
}

func stateColor(t kernel.EventType) tcell.Color {
	switch t {
	case kernel.EventTypeRunning:
		return tcell.ColorGreen
	case kernel.EventTypeExited, kernel.EventTypeError:
		return tcell.ColorRed
	case kernel.EventTypeStarting, kernel.EventTypeRestarting, kernel.EventTypeInterrupted:
		return tcell.ColorYellow
	}
	return tcell.ColorDefault
}
