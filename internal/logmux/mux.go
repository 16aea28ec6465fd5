// Package logmux merges the event streams of several kernel supervisors into
// one bounded channel.
package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/kernelsup/internal/kernel"
)

// Mux fans in events from multiple kernels. Lifecycle events are always
// delivered. Kernel output is dropped when the consumer falls behind, and a
// synthesized warning reports how many lines each kernel lost.
type Mux struct {
	out chan kernel.Event

	mu     sync.Mutex
	drops  map[string]dropRecord
	inputs sync.WaitGroup
}

type dropRecord struct {
	count int
	pid   int
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan kernel.Event, size),
		drops: make(map[string]dropRecord),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan kernel.Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the
// source channel is closed.
func (m *Mux) Add(source <-chan kernel.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			evt = normalize(evt)
			if evt.Type != kernel.EventTypeLog {
				m.flushPending(evt.Kernel, true)
				m.out <- evt
				continue
			}
			m.deliver(evt)
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(evt kernel.Event) {
	if !m.flushPending(evt.Kernel, false) {
		m.recordDrop(evt.Kernel, 1, evt.PID)
		return
	}
	if m.trySend(evt) {
		return
	}
	m.recordDrop(evt.Kernel, 1, evt.PID)
}

// flushPending reports the drops recorded for name. With block set the
// report waits for room in the output channel.
func (m *Mux) flushPending(name string, block bool) bool {
	rec := m.takeDrops(name)
	if rec.count == 0 {
		return true
	}
	meta := synthesizeDropEvent(name, rec)
	if block {
		m.out <- meta
		return true
	}
	if m.trySend(meta) {
		return true
	}
	m.recordDrop(name, rec.count, rec.pid)
	return false
}

func (m *Mux) takeDrops(name string) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[name]
	if rec.count != 0 {
		delete(m.drops, name)
	}
	return rec
}

func (m *Mux) recordDrop(name string, count, pid int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[name]
	rec.count += count
	if pid != 0 {
		rec.pid = pid
	}
	m.drops[name] = rec
}

func (m *Mux) flushDrops() {
	m.mu.Lock()
	pending := m.drops
	m.drops = make(map[string]dropRecord)
	m.mu.Unlock()
	for name, rec := range pending {
		if rec.count == 0 {
			continue
		}
		m.out <- synthesizeDropEvent(name, rec)
	}
}

func (m *Mux) trySend(evt kernel.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt kernel.Event) kernel.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		if evt.Type == kernel.EventTypeLog {
			evt.Source = kernel.LogSourceStdout
		} else {
			evt.Source = kernel.LogSourceSystem
		}
	}
	return evt
}

func synthesizeDropEvent(name string, rec dropRecord) kernel.Event {
	return kernel.Event{
		Timestamp: time.Now(),
		Kernel:    name,
		Type:      kernel.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", rec.count),
		Level:     "warn",
		Source:    kernel.LogSourceSystem,
		PID:       rec.pid,
	}
}
