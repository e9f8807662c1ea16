// Package timer owns the lifecycle of every reminder timer so that
// reconfiguring a schedule never leaks or duplicates a firing.
//
// Entries are held in a min-heap ordered by next fire time and driven by a
// single run goroutine. All mutation and all fire decisions are serialized
// through one mutex, which gives the two invariants the dispatcher relies
// on without per-entry locking:
//
//   - at most one live entry per (owner, key)
//   - a cancelled entry never fires, even when cancellation races a due fire
//
// Usage:
//
//	d := timer.New()
//	d.Start(ctx)
//	defer d.Stop()
//
//	d.ReplaceAllForPrefix("user-1", "box-7", specs)
//
// All methods are safe for concurrent use.
package timer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/depremu/capsyd/internal/metrics"
)

// Kind selects a timer entry's firing behaviour.
type Kind uint8

const (
	// KindScheduled fires once at a computed future instant, then converts
	// itself into a KindInterval entry under the derived key "<key>_interval".
	KindScheduled Kind = iota
	// KindInterval fires repeatedly, every interval.
	KindInterval
	// KindTimeout fires once after a delay, then disappears.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindScheduled:
		return "scheduled"
	case KindInterval:
		return "interval"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrBadSpec is returned when a Spec is missing a key, a callback, or a
// positive interval for a repeating kind.
var ErrBadSpec = errors.New("timer: invalid spec")

// Spec describes one entry to arm.
type Spec struct {
	Key      string        // unique within the owner, e.g. "<pillboxID>_<slot>"
	Kind     Kind
	Delay    time.Duration // time until the first fire
	Interval time.Duration // repeat period; required for Scheduled and Interval
	Fire     func()        // called from the run goroutine — must not block for long
}

func (s Spec) validate() error {
	if s.Key == "" {
		return fmt.Errorf("%w: empty key", ErrBadSpec)
	}
	if s.Fire == nil {
		return fmt.Errorf("%w: nil fire callback for %q", ErrBadSpec, s.Key)
	}
	if s.Delay < 0 {
		return fmt.Errorf("%w: negative delay for %q", ErrBadSpec, s.Key)
	}
	if (s.Kind == KindScheduled || s.Kind == KindInterval) && s.Interval <= 0 {
		return fmt.Errorf("%w: non-positive interval for %q", ErrBadSpec, s.Key)
	}
	return nil
}

// Option configures a Directory.
type Option func(*Directory)

// WithMetrics attaches a metrics.Registry so armed/fired/cancelled counts
// are exported.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Directory) { d.metrics = reg }
}

// Directory is the process-wide timer registry.
type Directory struct {
	mu    sync.Mutex
	h     minHeap
	byKey map[string]*item // composite owner+key → item

	// notify is a buffered channel of capacity 1. Arming sends a signal so
	// the run goroutine re-evaluates its sleep whenever a new entry might be
	// due sooner than the current root.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup

	metrics *metrics.Registry
}

// New creates a Directory. Call Start to begin firing entries.
func New(opts ...Option) *Directory {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	d := &Directory{
		h:      h,
		byKey:  make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// composite joins owner and key into the map key. The NUL separator cannot
// appear in either part, so prefixes never alias across owners.
func composite(owner, key string) string { return owner + "\x00" + key }

// ─── Public API ───────────────────────────────────────────────────────────────

// Arm installs one entry for owner, replacing (and cancelling) any existing
// entry under the same key.
func (d *Directory) Arm(owner string, s Spec) error {
	if err := s.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.insertLocked(owner, s, time.Now())
	d.mu.Unlock()
	d.wake()
	return nil
}

// ReplaceAllForPrefix cancels every entry under owner whose key starts with
// prefix, then installs specs as the new set. Cancellation and installation
// happen under one lock acquisition, so a concurrently due timer can never
// observe a half-applied reconfiguration. All specs are validated up front;
// on a validation error nothing is cancelled or armed.
//
// Returns the number of entries cancelled.
func (d *Directory) ReplaceAllForPrefix(owner, prefix string, specs []Spec) (int, error) {
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return 0, err
		}
	}

	d.mu.Lock()
	cancelled := d.cancelPrefixLocked(owner, prefix)
	now := time.Now()
	for _, s := range specs {
		d.insertLocked(owner, s, now)
	}
	d.mu.Unlock()
	d.wake()
	return cancelled, nil
}

// Cancel removes one entry. Returns false if no such entry is live.
func (d *Directory) Cancel(owner, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.byKey[composite(owner, key)]
	if !ok {
		return false
	}
	d.cancelLocked(it)
	return true
}

// CancelOwner removes every entry belonging to owner and returns how many
// were cancelled. Used by the registry when a pruned account disappears.
func (d *Directory) CancelOwner(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelPrefixLocked(owner, "")
}

// OwnerLen returns the number of live entries belonging to owner.
func (d *Directory) OwnerLen(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	pre := composite(owner, "")
	for ck := range d.byKey {
		if strings.HasPrefix(ck, pre) {
			n++
		}
	}
	return n
}

// Len returns the total number of live entries.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byKey)
}

// Start launches the run goroutine. Must be called exactly once.
func (d *Directory) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop shuts down the run goroutine and waits for it to exit. Entries still
// in the heap are abandoned.
func (d *Directory) Stop() {
	select {
	case <-d.done:
		// already stopped
	default:
		close(d.done)
	}
	d.wg.Wait()
}

// ─── Internals ───────────────────────────────────────────────────────────────

// wake signals the run goroutine to re-evaluate its sleep. Non-blocking: if
// a signal is already pending, no-op.
func (d *Directory) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// insertLocked installs one entry, cancelling any previous one under the
// same key first. Must be called with d.mu held.
func (d *Directory) insertLocked(owner string, s Spec, now time.Time) {
	ck := composite(owner, s.Key)
	if prev, ok := d.byKey[ck]; ok {
		d.cancelLocked(prev)
	}
	it := &item{
		owner:    owner,
		key:      s.Key,
		kind:     s.Kind,
		fireAt:   now.Add(s.Delay).UnixMilli(),
		interval: s.Interval,
		fire:     s.Fire,
	}
	heap.Push(&d.h, it)
	d.byKey[ck] = it
	if d.metrics != nil {
		d.metrics.TimersArmed.Inc(s.Kind.String())
	}
}

// cancelLocked removes one live entry from both the heap and the key map.
// Must be called with d.mu held, and only for items present in byKey.
func (d *Directory) cancelLocked(it *item) {
	d.h.remove(it.heapIdx)
	delete(d.byKey, composite(it.owner, it.key))
	if d.metrics != nil {
		d.metrics.TimersCancelled.Inc(it.kind.String())
	}
}

// cancelPrefixLocked cancels every entry of owner whose key starts with
// prefix. Must be called with d.mu held.
func (d *Directory) cancelPrefixLocked(owner, prefix string) int {
	pre := composite(owner, prefix)
	var doomed []*item
	for ck, it := range d.byKey {
		if strings.HasPrefix(ck, pre) {
			doomed = append(doomed, it)
		}
	}
	for _, it := range doomed {
		d.cancelLocked(it)
	}
	return len(doomed)
}

// run is the single goroutine that sleeps until the soonest entry is due and
// fires it, staying responsive to newly armed entries and shutdown.
func (d *Directory) run(ctx context.Context) {
	defer d.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		d.mu.Lock()
		var next *item
		if d.h.Len() > 0 {
			next = d.h[0]
		}
		d.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-d.notify:
				// something was armed; re-evaluate
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.fireAt))
		if delay <= 0 {
			d.fireDue()
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-d.done:
			t.Stop()
			return
		case <-d.notify:
			// A sooner entry may have been armed — re-evaluate from the top.
			t.Stop()
			select {
			case <-t.C:
			default:
			}
			t = nil
		case <-t.C:
			t = nil
			d.fireDue()
		}
	}
}

// fireDue pops and fires the root entry if (and only if) it is due. The
// due-ness re-check matters: the entry the run loop slept on may have been
// cancelled meanwhile, leaving a not-yet-due entry at the root.
//
// The callback itself runs outside the lock so it may arm or cancel entries.
func (d *Directory) fireDue() {
	d.mu.Lock()

	var it *item
	if d.h.Len() > 0 && d.h[0].fireAt <= time.Now().UnixMilli() {
		it = heap.Pop(&d.h).(*item)
		delete(d.byKey, composite(it.owner, it.key))
	}
	if it == nil {
		d.mu.Unlock()
		return
	}

	nowMs := time.Now().UnixMilli()
	switch it.kind {
	case KindTimeout:
		// one-shot; entry is gone

	case KindInterval:
		// Re-arm at the next boundary, skipping any boundaries missed while
		// the process was descheduled so we never burst-fire a backlog.
		step := it.interval.Milliseconds()
		for it.fireAt <= nowMs {
			it.fireAt += step
		}
		heap.Push(&d.h, it)
		d.byKey[composite(it.owner, it.key)] = it

	case KindScheduled:
		// Convert into a repeating entry under the derived key so the
		// original one-shot key is never reused for a different kind.
		conv := &item{
			owner:    it.owner,
			key:      it.key + "_interval",
			kind:     KindInterval,
			fireAt:   it.fireAt,
			interval: it.interval,
			fire:     it.fire,
		}
		step := conv.interval.Milliseconds()
		for conv.fireAt <= nowMs {
			conv.fireAt += step
		}
		ck := composite(conv.owner, conv.key)
		if prev, ok := d.byKey[ck]; ok {
			d.cancelLocked(prev)
		}
		heap.Push(&d.h, conv)
		d.byKey[ck] = conv
		if d.metrics != nil {
			d.metrics.TimersArmed.Inc(KindInterval.String())
		}
	}

	if d.metrics != nil {
		d.metrics.TimersFired.Inc(it.kind.String())
	}
	fire := it.fire
	d.mu.Unlock()

	fire()
}
