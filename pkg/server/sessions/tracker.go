// Package sessions tracks the live voice bridges open on the server so
// shutdown can warn, cancel and wait for them.
package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrDraining is returned by Register once shutdown has begun.
var ErrDraining = errors.New("sessions: server is draining")

// ErrSectionBusy is returned by Register when the section already has a
// bridge; each section owns a single microphone.
var ErrSectionBusy = errors.New("sessions: section already has a live bridge")

// Handle lets the tracker reach a bridge.
type Handle struct {
	Section string
	Cancel  func()
	Notify  func(code, message string) error
}

type Tracker struct {
	draining atomic.Bool

	mu        sync.Mutex
	bySection map[string]*entry
	wg        sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{bySection: make(map[string]*entry)}
}

// Register claims h.Section for a new bridge. The returned func releases it.
func (t *Tracker) Register(h Handle) (unregister func(), err error) {
	if t.draining.Load() {
		return nil, ErrDraining
	}
	e := &entry{handle: h}

	t.mu.Lock()
	if _, busy := t.bySection[h.Section]; busy {
		t.mu.Unlock()
		return nil, ErrSectionBusy
	}
	t.bySection[h.Section] = e
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(e) }, nil
}

func (t *Tracker) unregister(e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.bySection[e.handle.Section] == e {
			delete(t.bySection, e.handle.Section)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of open bridges.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySection)
}

// Drain stops accepting new bridges.
func (t *Tracker) Drain() { t.draining.Store(true) }

// Draining reports whether Drain was called.
func (t *Tracker) Draining() bool { return t.draining.Load() }

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.bySection))
	for _, e := range t.bySection {
		out = append(out, e.handle)
	}
	return out
}

// NotifyAll sends code and message to every bridge and returns how many were
// reached.
func (t *Tracker) NotifyAll(code, message string) (sent int) {
	for _, h := range t.handles() {
		if h.Notify == nil {
			continue
		}
		if err := h.Notify(code, message); err == nil {
			sent++
		}
	}
	return sent
}

// CancelAll cancels every bridge.
func (t *Tracker) CancelAll() (canceled int) {
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every bridge has unregistered or ctx is done. It reports
// whether all bridges finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
