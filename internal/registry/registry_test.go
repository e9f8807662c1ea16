package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/depremu/capsyd/internal/registry"
	"github.com/depremu/capsyd/internal/timer"
	"github.com/depremu/capsyd/pkg/protocol"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

// fakeSource is an in-memory UserSource whose contents tests mutate between
// reloads.
type fakeSource struct {
	mu    sync.Mutex
	users []protocol.User
	err   error
}

func (f *fakeSource) AllUsers() ([]protocol.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]protocol.User, len(f.users))
	copy(out, f.users)
	return out, nil
}

func (f *fakeSource) set(users ...protocol.User) {
	f.mu.Lock()
	f.users = users
	f.mu.Unlock()
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// fakeConn records sent messages.
type fakeConn struct {
	mu     sync.Mutex
	sent   []any
	closed bool
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn: closed")
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newRegistry(t *testing.T, src *fakeSource) (*registry.Registry, *timer.Directory) {
	t.Helper()
	timers := timer.New()
	return registry.New(src, timers), timers
}

// ─── Tests ───────────────────────────────────────────────────────────────────

// TestRegistry_ReloadPopulatesSnapshot verifies that persisted users become
// known after a reload and unknown ones stay rejected.
func TestRegistry_ReloadPopulatesSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1", Language: "es"})
	reg, _ := newRegistry(t, src)

	if reg.KnownUser("u1") {
		t.Fatal("u1 known before any reload")
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if !reg.KnownUser("u1") {
		t.Error("u1 not known after reload")
	}
	if reg.KnownUser("ghost") {
		t.Error("ghost should not be known")
	}
	if got := reg.UserLanguage("u1"); got != "es" {
		t.Errorf("UserLanguage: want es, got %q", got)
	}
}

// TestRegistry_RegisterUser verifies the must-exist rule for user identities.
func TestRegistry_RegisterUser(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1"})
	reg, _ := newRegistry(t, src)
	_ = reg.Reload(context.Background())

	c := &fakeConn{}
	if err := reg.RegisterUser("ghost", c); !errors.Is(err, registry.ErrUnknownUser) {
		t.Errorf("unknown user: expected ErrUnknownUser, got %v", err)
	}
	if err := reg.RegisterUser("u1", c); err != nil {
		t.Fatalf("RegisterUser() error: %v", err)
	}
	if !reg.UserLive("u1") {
		t.Error("u1 should be live after register")
	}
}

// TestRegistry_ReloadPreservesLiveState verifies the merge semantics: a
// reload must never drop a surviving owner's connection or device links.
func TestRegistry_ReloadPreservesLiveState(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1", Language: "en"})
	reg, _ := newRegistry(t, src)
	ctx := context.Background()
	_ = reg.Reload(ctx)

	c := &fakeConn{}
	_ = reg.RegisterUser("u1", c)
	reg.RegisterDevice("cap1", &fakeConn{})
	if err := reg.LinkDevice("u1", "cap1"); err != nil {
		t.Fatalf("LinkDevice() error: %v", err)
	}

	// Language changes are picked up; everything else survives.
	src.set(protocol.User{ID: "u1", Language: "es"})
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("second Reload() error: %v", err)
	}

	if !reg.UserLive("u1") {
		t.Error("live connection lost across reload")
	}
	if got := reg.UserLanguage("u1"); got != "es" {
		t.Errorf("language not refreshed: got %q", got)
	}
	if devs := reg.LinkedDevices("u1"); len(devs) != 1 || devs[0] != "cap1" {
		t.Errorf("device links lost across reload: %v", devs)
	}
}

// TestRegistry_ReloadPrunesDeletedOwners verifies that an owner missing from
// the store is dropped and their timers cancelled.
func TestRegistry_ReloadPrunesDeletedOwners(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1"}, protocol.User{ID: "u2"})
	reg, timers := newRegistry(t, src)
	ctx := context.Background()
	_ = reg.Reload(ctx)

	_ = timers.Arm("u1", timer.Spec{Key: "box_1", Kind: timer.KindTimeout, Delay: time.Hour, Fire: func() {}})
	_ = timers.Arm("u2", timer.Spec{Key: "box_1", Kind: timer.KindTimeout, Delay: time.Hour, Fire: func() {}})

	reg.RegisterDevice("cap1", &fakeConn{})
	_ = reg.LinkDevice("u1", "cap1")

	src.set(protocol.User{ID: "u2"})
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if reg.KnownUser("u1") {
		t.Error("u1 should be pruned")
	}
	if got := timers.OwnerLen("u1"); got != 0 {
		t.Errorf("pruned owner's timers not cancelled: %d left", got)
	}
	if got := timers.OwnerLen("u2"); got != 1 {
		t.Errorf("surviving owner's timers touched: %d left", got)
	}
	if _, ok := reg.DeviceOwner("cap1"); ok {
		t.Error("device should be unlinked when its owner is pruned")
	}
}

// TestRegistry_ReloadErrorKeepsSnapshot verifies a failed fetch leaves the
// previous snapshot in effect.
func TestRegistry_ReloadErrorKeepsSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1"})
	reg, _ := newRegistry(t, src)
	ctx := context.Background()
	_ = reg.Reload(ctx)

	src.fail(errors.New("disk on fire"))
	if err := reg.Reload(ctx); err == nil {
		t.Fatal("expected reload error")
	}
	if !reg.KnownUser("u1") {
		t.Error("failed reload must not drop the previous snapshot")
	}
}

// TestRegistry_Ready verifies readiness flips only after the first
// successful reload.
func TestRegistry_Ready(t *testing.T) {
	src := &fakeSource{}
	src.fail(errors.New("not yet"))
	reg, _ := newRegistry(t, src)
	ctx := context.Background()

	_ = reg.Reload(ctx)
	if reg.Ready() {
		t.Fatal("ready after a failed reload")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := reg.WaitReady(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady before first success: expected deadline, got %v", err)
	}

	src.fail(nil)
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if !reg.Ready() {
		t.Error("not ready after a successful reload")
	}
	if err := reg.WaitReady(ctx); err != nil {
		t.Errorf("WaitReady after success: %v", err)
	}
}

// TestRegistry_LinkDevice verifies both preconditions of pairing.
func TestRegistry_LinkDevice(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1"})
	reg, _ := newRegistry(t, src)
	_ = reg.Reload(context.Background())

	if err := reg.LinkDevice("u1", "cap1"); !errors.Is(err, registry.ErrDeviceNotRegistered) {
		t.Errorf("unregistered device: expected ErrDeviceNotRegistered, got %v", err)
	}

	reg.RegisterDevice("cap1", &fakeConn{})
	if err := reg.LinkDevice("ghost", "cap1"); !errors.Is(err, registry.ErrUnknownUser) {
		t.Errorf("unknown user: expected ErrUnknownUser, got %v", err)
	}

	if err := reg.LinkDevice("u1", "cap1"); err != nil {
		t.Fatalf("LinkDevice() error: %v", err)
	}
	if owner, ok := reg.DeviceOwner("cap1"); !ok || owner != "u1" {
		t.Errorf("DeviceOwner: want u1, got %q (%v)", owner, ok)
	}
}

// TestRegistry_DetachUser_SameConnGuard verifies a stale socket's close path
// cannot clobber a fresh reconnect.
func TestRegistry_DetachUser_SameConnGuard(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1"})
	reg, _ := newRegistry(t, src)
	_ = reg.Reload(context.Background())

	oldConn, newConn := &fakeConn{}, &fakeConn{}
	_ = reg.RegisterUser("u1", oldConn)
	_ = reg.RegisterUser("u1", newConn) // reconnect replaces

	reg.DetachUser("u1", oldConn) // stale close arrives late
	if !reg.UserLive("u1") {
		t.Error("stale detach clobbered the reconnect")
	}

	reg.DetachUser("u1", newConn)
	if reg.UserLive("u1") {
		t.Error("u1 still live after detaching its own conn")
	}
	if !reg.KnownUser("u1") {
		t.Error("detach must not forget the user, only the connection")
	}
}

// TestRegistry_DetachDevice verifies a device disappearing also drops its
// link, while a stale detach is ignored.
func TestRegistry_DetachDevice(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1"})
	reg, _ := newRegistry(t, src)
	_ = reg.Reload(context.Background())

	oldConn, newConn := &fakeConn{}, &fakeConn{}
	reg.RegisterDevice("cap1", oldConn)
	_ = reg.LinkDevice("u1", "cap1")
	reg.RegisterDevice("cap1", newConn) // reconnect keeps the link

	reg.DetachDevice("cap1", oldConn)
	if !reg.DeviceLive("cap1") {
		t.Error("stale detach removed a reconnected device")
	}
	if owner, ok := reg.DeviceOwner("cap1"); !ok || owner != "u1" {
		t.Errorf("link lost across reconnect: %q %v", owner, ok)
	}

	reg.DetachDevice("cap1", newConn)
	if reg.DeviceLive("cap1") {
		t.Error("device still live after detach")
	}
	if devs := reg.LinkedDevices("u1"); len(devs) != 0 {
		t.Errorf("link survived device removal: %v", devs)
	}
}

// TestRegistry_Send verifies best-effort delivery semantics.
func TestRegistry_Send(t *testing.T) {
	src := &fakeSource{}
	src.set(protocol.User{ID: "u1"})
	reg, _ := newRegistry(t, src)
	_ = reg.Reload(context.Background())

	if err := reg.SendToUser("u1", "hi"); !errors.Is(err, registry.ErrNotLive) {
		t.Errorf("no conn: expected ErrNotLive, got %v", err)
	}
	if err := reg.SendToDevice("cap1", "hi"); !errors.Is(err, registry.ErrNotLive) {
		t.Errorf("unknown device: expected ErrNotLive, got %v", err)
	}

	c := &fakeConn{}
	_ = reg.RegisterUser("u1", c)
	if err := reg.SendToUser("u1", "hi"); err != nil {
		t.Fatalf("SendToUser() error: %v", err)
	}
	if c.sentCount() != 1 {
		t.Errorf("sent: want 1, got %d", c.sentCount())
	}

	_ = c.Close()
	if err := reg.SendToUser("u1", "hi"); !errors.Is(err, registry.ErrNotLive) {
		t.Errorf("closed conn: expected ErrNotLive, got %v", err)
	}
}
