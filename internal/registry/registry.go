// Package registry is the authoritative mapping from logical identities to
// live WebSocket connections.
//
// Users and devices are two distinct identity spaces held in two distinct
// maps: a user's socket and a pillbox's socket are never confused for one
// another. Users must exist in the persistent store before they can attach a
// connection; devices self-register on their init handshake and are linked
// to a user afterwards.
//
// The registry resynchronizes itself from the store on a fixed interval.
// A reload merges: owners that survive keep their live connection, device
// links, and timers; owners that disappeared are pruned and their timers
// cancelled. A failed reload leaves the previous snapshot in effect.
//
// All methods are safe for concurrent use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/depremu/capsyd/internal/metrics"
	"github.com/depremu/capsyd/internal/timer"
	"github.com/depremu/capsyd/pkg/protocol"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownUser is returned when a user ID is not present in the current
	// registry snapshot. New accounts become visible on the next reload pass.
	ErrUnknownUser = errors.New("registry: unknown user")

	// ErrDeviceNotRegistered is returned when linking a device that has not
	// completed its init handshake.
	ErrDeviceNotRegistered = errors.New("registry: device not registered")

	// ErrNotLive is returned by Send* when the identity has no open connection.
	ErrNotLive = errors.New("registry: connection not live")
)

// Conn is the live transport handle the registry tracks. The WebSocket layer
// provides the production implementation; tests substitute fakes.
type Conn interface {
	// Send writes one JSON message. Safe for concurrent use.
	Send(v any) error
	// Open reports whether the transport is still usable.
	Open() bool
	// Close tears the transport down.
	Close() error
}

// UserSource is the persistent account store the registry reloads from.
type UserSource interface {
	AllUsers() ([]protocol.User, error)
}

// owner is the in-memory state for one user account.
type owner struct {
	id       string
	language string
	conn     Conn                // nil when disconnected
	devices  map[string]struct{} // linked device IDs
}

// device is the in-memory state for one physical pillbox.
type device struct {
	id      string
	conn    Conn
	ownerID string // empty until linked
}

// Option configures a Registry.
type Option func(*Registry)

// WithReloadInterval overrides the default 60s reload period.
func WithReloadInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// WithMetrics attaches a metrics.Registry for reload outcome counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Registry) { r.metrics = reg }
}

// Registry tracks every known user and registered device.
type Registry struct {
	src    UserSource
	timers *timer.Directory

	mu      sync.RWMutex
	owners  map[string]*owner
	devices map[string]*device

	// ready is closed after the first successful reload. Callers that need a
	// populated snapshot block on WaitReady instead of failing permanently.
	ready     chan struct{}
	readyOnce sync.Once

	interval time.Duration
	metrics  *metrics.Registry
}

// New creates a Registry backed by src. Timers of pruned owners are
// cancelled through timers.
func New(src UserSource, timers *timer.Directory, opts ...Option) *Registry {
	r := &Registry{
		src:      src,
		timers:   timers,
		owners:   make(map[string]*owner),
		devices:  make(map[string]*device),
		ready:    make(chan struct{}),
		interval: 60 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Run reloads once immediately, then on every tick until ctx is cancelled.
// Reloads are serialized by construction: there is exactly one goroutine
// issuing them, so a slow storage fetch never overlaps the next tick.
func (r *Registry) Run(ctx context.Context) {
	if err := r.Reload(ctx); err != nil {
		slog.Warn("registry: initial reload failed, retrying on next tick", "err", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				slog.Warn("registry: reload failed, keeping previous snapshot", "err", err)
			}
		}
	}
}

// Reload fetches all persisted accounts and merges them into the snapshot.
// Existing owners keep their live connection and device links; owners absent
// from the fetch are pruned and their timers cancelled. On a storage error
// the previous snapshot remains in effect and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	users, err := r.src.AllUsers()
	if err != nil {
		if r.metrics != nil {
			r.metrics.Reloads.Inc("error")
		}
		return fmt.Errorf("registry: reload: %w", err)
	}

	var pruned []string
	r.mu.Lock()
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		seen[u.ID] = struct{}{}
		if o, ok := r.owners[u.ID]; ok {
			o.language = u.Language // conn, devices, timers preserved
			continue
		}
		r.owners[u.ID] = &owner{
			id:       u.ID,
			language: u.Language,
			devices:  make(map[string]struct{}),
		}
	}
	for id := range r.owners {
		if _, ok := seen[id]; !ok {
			pruned = append(pruned, id)
			delete(r.owners, id)
		}
	}
	// Unlink devices whose owner just disappeared; the device itself stays
	// registered until its connection drops.
	for _, d := range r.devices {
		if _, ok := seen[d.ownerID]; d.ownerID != "" && !ok {
			d.ownerID = ""
		}
	}
	total := len(r.owners)
	r.mu.Unlock()

	for _, id := range pruned {
		n := r.timers.CancelOwner(id)
		slog.Info("registry: pruned deleted owner", "user", id, "timers_cancelled", n)
	}

	if r.metrics != nil {
		r.metrics.Reloads.Inc("ok")
	}
	r.readyOnce.Do(func() { close(r.ready) })
	slog.Debug("registry: reload complete", "owners", total, "pruned", len(pruned))
	return nil
}

// Ready reports whether at least one reload has completed.
func (r *Registry) Ready() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the first reload completes or ctx is done.
func (r *Registry) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Registration and linking ────────────────────────────────────────────────

// RegisterUser attaches a live connection to a known user, replacing any
// prior handle. Returns ErrUnknownUser if the user is not in the snapshot.
func (r *Registry) RegisterUser(userID string, c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	o.conn = c
	return nil
}

// RegisterDevice attaches a live connection for a device. Unlike users,
// devices self-register without the server knowing them in advance; linking
// to a user happens later via LinkDevice.
func (r *Registry) RegisterDevice(deviceID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.conn = c // reconnect replaces the stale handle, link survives
		return
	}
	r.devices[deviceID] = &device{id: deviceID, conn: c}
}

// LinkDevice pairs a registered device with a known user.
func (r *Registry) LinkDevice(userID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotRegistered, deviceID)
	}
	o.devices[deviceID] = struct{}{}
	d.ownerID = userID
	return nil
}

// DetachUser nulls the user's connection handle, but only when it is still
// the given conn — a reconnect must not be clobbered by the old socket's
// close path. Timers are deliberately left running: reminders continue to be
// attempted while the app is backgrounded.
func (r *Registry) DetachUser(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.owners[userID]; ok && o.conn == c {
		o.conn = nil
	}
}

// DetachDevice unregisters a device when its connection closes, and removes
// it from its owner's link set. The pairing state machine has no explicit
// unlink message: a device disappearing from the registry is the unlink.
func (r *Registry) DetachDevice(deviceID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok || d.conn != c {
		return
	}
	delete(r.devices, deviceID)
	if o, ok := r.owners[d.ownerID]; ok {
		delete(o.devices, deviceID)
	}
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// UserLive reports whether the user has an open connection.
func (r *Registry) UserLive(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[userID]
	return ok && o.conn != nil && o.conn.Open()
}

// DeviceLive reports whether the device has an open connection.
func (r *Registry) DeviceLive(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return ok && d.conn != nil && d.conn.Open()
}

// KnownUser reports whether userID is in the current snapshot.
func (r *Registry) KnownUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[userID]
	return ok
}

// UserLanguage returns the user's cached locale preference, or "" when the
// user is unknown.
func (r *Registry) UserLanguage(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.owners[userID]; ok {
		return o.language
	}
	return ""
}

// DeviceOwner returns the user a device is linked to.
func (r *Registry) DeviceOwner(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok || d.ownerID == "" {
		return "", false
	}
	return d.ownerID, true
}

// LinkedDevices returns the IDs of the devices linked to a user.
func (r *Registry) LinkedDevices(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(o.devices))
	for id := range o.devices {
		out = append(out, id)
	}
	return out
}

// ─── Delivery ────────────────────────────────────────────────────────────────

// SendToUser delivers one message to the user's live connection.
// Best-effort: a missing or closed connection is logged and reported as
// ErrNotLive, never escalated.
func (r *Registry) SendToUser(userID string, v any) error {
	r.mu.RLock()
	o, ok := r.owners[userID]
	var c Conn
	if ok {
		c = o.conn
	}
	r.mu.RUnlock()

	if c == nil || !c.Open() {
		slog.Debug("registry: user not live, message dropped", "user", userID)
		return fmt.Errorf("%w: user %s", ErrNotLive, userID)
	}
	if err := c.Send(v); err != nil {
		slog.Warn("registry: send to user failed", "user", userID, "err", err)
		return err
	}
	return nil
}

// SendToDevice delivers one message to the device's live connection, with
// the same best-effort semantics as SendToUser.
func (r *Registry) SendToDevice(deviceID string, v any) error {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	var c Conn
	if ok {
		c = d.conn
	}
	r.mu.RUnlock()

	if c == nil || !c.Open() {
		slog.Debug("registry: device not live, message dropped", "device", deviceID)
		return fmt.Errorf("%w: device %s", ErrNotLive, deviceID)
	}
	if err := c.Send(v); err != nil {
		slog.Warn("registry: send to device failed", "device", deviceID, "err", err)
		return err
	}
	return nil
}
