// Package inactivity tracks activity via a reference-counted gauge so that
// long-lived accept loops (the FD socket, spec.md §4.6) can self-terminate
// after an idle timeout (spec.md §4.8).
//
// Grounded on original_source/conmon-rs/server/src/inactivity.rs: an atomic
// counter plus a "notify on change" signal. Go has no off-the-shelf
// equivalent of tokio::sync::Notify, so the signal is modeled as a channel
// that gets closed (and replaced) on every 0→>0 or >0→0 transition, the
// same close-to-broadcast idiom used for cancellation signals throughout
// the pack (e.g. context.Context.Done()).
package inactivity

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxActive mirrors the Rust implementation's isize::MAX guard against
// runaway reference counts from a forgotten Activity.
const maxActive = int64(^uint64(0) >> 1)

// Tracker counts outstanding Activity handles and lets callers wait for a
// contiguous idle period.
type Tracker struct {
	active int64

	mu     sync.Mutex
	notify chan struct{}
}

// New creates an idle tracker with zero active handles.
func New() *Tracker {
	return &Tracker{notify: make(chan struct{})}
}

func (t *Tracker) changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

func (t *Tracker) signalChange() {
	t.mu.Lock()
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
}

func (t *Tracker) noActivity() bool {
	return atomic.LoadInt64(&t.active) == 0
}

// Activity is an outstanding unit of work. Stop decrements the tracker's
// count exactly once; Stop is idempotent and safe to call from any
// goroutine, including via a deferred call.
type Activity struct {
	once sync.Once
	t    *Tracker
}

// Activity returns a new in-flight activity handle, incrementing the count.
func (t *Tracker) Activity() *Activity {
	switch n := atomic.AddInt64(&t.active, 1); {
	case n == 1:
		t.signalChange()
	case uint64(n) > uint64(maxActive):
		panic("inactivity: active count overflow")
	}
	return &Activity{t: t}
}

// Stop ends this activity. Safe to call multiple times; only the first call
// has an effect.
func (a *Activity) Stop() {
	a.once.Do(func() {
		if atomic.AddInt64(&a.t.active, -1) == 0 {
			a.t.signalChange()
		}
	})
}

// Wait blocks until the active count has been zero for a contiguous
// duration of timeout, waking immediately whenever the count transitions
// away from zero and restarting the wait.
func (t *Tracker) Wait(timeout time.Duration) {
	for {
		changed := t.changed()
		if t.noActivity() {
			timer := time.NewTimer(timeout)
			select {
			case <-changed:
				timer.Stop()
			case <-timer.C:
			}
			if t.noActivity() {
				return
			}
		} else {
			<-changed
		}
	}
}
