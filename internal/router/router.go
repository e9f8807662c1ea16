// Package router demultiplexes inbound WebSocket messages by their "type"
// field and dispatches them to the registry, dispatcher, and config store.
//
// Error policy, in order of preference: reply with a typed error to the
// sender, log, carry on. Nothing a client sends closes its own connection or
// anyone else's; malformed JSON gets a single "error" frame and the
// connection stays usable.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/depremu/capsyd/internal/dispatch"
	"github.com/depremu/capsyd/internal/ident"
	"github.com/depremu/capsyd/internal/metrics"
	"github.com/depremu/capsyd/internal/registry"
	"github.com/depremu/capsyd/internal/store"
	"github.com/depremu/capsyd/pkg/protocol"
)

// ConfigStore is the slice of the persistence layer the router needs.
// *store.Store satisfies it; tests substitute fakes.
type ConfigStore interface {
	PillboxConfig(userID, patientID string) (protocol.PillboxConfig, error)
	SavePillboxConfig(userID, patientID string, cfg protocol.PillboxConfig) error
	DeletePillboxConfig(userID, patientID string) error
}

// Session is the per-connection state: the transport handle plus whichever
// identity the connection authenticated as via init. A session is owned by
// its connection's single read goroutine, so its fields need no locking.
type Session struct {
	ID   string // ULID, for log correlation
	Conn registry.Conn

	UserID   string // set after a user init
	DeviceID string // set after a device init
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches a metrics.Registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(rt *Router) { rt.metrics = reg }
}

// WithInitWait bounds how long an init waits for the registry's first
// reload before answering not-user-id. Default 5s.
func WithInitWait(d time.Duration) Option {
	return func(rt *Router) { rt.initWait = d }
}

// Router is the inbound message demultiplexer.
type Router struct {
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	store    ConfigStore
	metrics  *metrics.Registry
	initWait time.Duration
}

// New creates a Router.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, cs ConfigStore, opts ...Option) *Router {
	rt := &Router{reg: reg, disp: disp, store: cs, initWait: 5 * time.Second}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// NewSession wraps a freshly accepted connection.
func (rt *Router) NewSession(c registry.Conn) *Session {
	id, err := ident.NewID()
	if err != nil {
		id = "unknown"
	}
	return &Session{ID: id, Conn: c}
}

// HandleClose detaches whatever identity the session registered. Timers keep
// running; only the live handle is nulled (users) or unregistered (devices).
func (rt *Router) HandleClose(s *Session) {
	if s.UserID != "" {
		rt.reg.DetachUser(s.UserID, s.Conn)
		slog.Info("router: user disconnected", "session", s.ID, "user", s.UserID)
	}
	if s.DeviceID != "" {
		rt.reg.DetachDevice(s.DeviceID, s.Conn)
		slog.Info("router: device disconnected", "session", s.ID, "device", s.DeviceID)
	}
}

// HandleMessage processes one inbound frame.
func (rt *Router) HandleMessage(ctx context.Context, s *Session, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		slog.Warn("router: malformed message", "session", s.ID, "err", err)
		rt.sendError(s, "malformed message")
		return
	}

	if rt.metrics != nil {
		rt.metrics.MessagesIn.Inc(env.Type)
	}

	switch env.Type {
	case protocol.TypeInit:
		rt.handleInit(ctx, s, raw)
	case protocol.TypePing:
		rt.send(s, protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	case protocol.TypeAddCapsy:
		rt.handleAddCapsy(s, raw)
	case protocol.TypeCapsyIndividual:
		rt.handleCapsyIndividual(s, raw)
	case protocol.TypeSaveConfig:
		rt.handleSaveConfig(s, raw)
	case protocol.TypeGetConfig:
		rt.handleGetConfig(s, raw)
	case protocol.TypeDeleteConfig:
		rt.handleDeleteConfig(s, raw)
	case protocol.TypePillRequest:
		rt.handlePillRequest(s, raw)
	case protocol.TypeMedicationTaken:
		rt.handleMedicationTaken(s)
	default:
		slog.Warn("router: unrecognized message type ignored",
			"session", s.ID, "type", env.Type)
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (rt *Router) handleInit(ctx context.Context, s *Session, raw []byte) {
	var m protocol.Init
	if err := json.Unmarshal(raw, &m); err != nil {
		rt.sendError(s, "malformed init")
		return
	}

	switch {
	case m.UserID != "":
		// The registry is populated by reload; right after process start the
		// first pass may still be in flight, so wait for it bounded rather
		// than rejecting a perfectly valid user.
		waitCtx, cancel := context.WithTimeout(ctx, rt.initWait)
		err := rt.reg.WaitReady(waitCtx)
		cancel()
		if err != nil {
			slog.Warn("router: registry not ready for init", "session", s.ID, "user", m.UserID)
			rt.send(s, protocol.Ack{Type: protocol.TypeNotUserID})
			return
		}
		if err := rt.reg.RegisterUser(m.UserID, s.Conn); err != nil {
			slog.Info("router: init for unknown user", "session", s.ID, "user", m.UserID)
			rt.send(s, protocol.Ack{Type: protocol.TypeNotUserID})
			return
		}
		s.UserID = m.UserID
		slog.Info("router: user connected", "session", s.ID, "user", m.UserID)
		rt.send(s, protocol.Ack{Type: protocol.TypeInitSuccess})

	case m.CapsyID != "":
		rt.reg.RegisterDevice(m.CapsyID, s.Conn)
		s.DeviceID = m.CapsyID
		slog.Info("router: device connected", "session", s.ID, "device", m.CapsyID)
		rt.send(s, protocol.Ack{Type: protocol.TypeInitSuccess})

	default:
		rt.sendError(s, "init requires userId or capsyId")
	}
}

func (rt *Router) handleAddCapsy(s *Session, raw []byte) {
	var m protocol.AddCapsy
	if err := json.Unmarshal(raw, &m); err != nil || m.CapsyID == "" {
		rt.send(s, protocol.Ack{Type: protocol.TypeErrorCapsy})
		return
	}
	if s.UserID == "" {
		slog.Warn("router: add-capsy without user init", "session", s.ID)
		rt.send(s, protocol.Ack{Type: protocol.TypeErrorCapsy})
		return
	}
	if err := rt.reg.LinkDevice(s.UserID, m.CapsyID); err != nil {
		slog.Warn("router: link device failed",
			"session", s.ID, "user", s.UserID, "device", m.CapsyID, "err", err)
		rt.send(s, protocol.Ack{Type: protocol.TypeErrorCapsy})
		return
	}
	slog.Info("router: device linked", "user", s.UserID, "device", m.CapsyID)
	rt.send(s, protocol.Ack{Type: protocol.TypeCapsyAck})
}

func (rt *Router) handleCapsyIndividual(s *Session, raw []byte) {
	var m protocol.CapsyIndividual
	if err := json.Unmarshal(raw, &m); err != nil || m.CapsyID == "" {
		rt.send(s, protocol.Ack{Type: protocol.TypeErrorCapsy})
		return
	}
	if s.UserID == "" {
		rt.send(s, protocol.Ack{Type: protocol.TypeErrorCapsy})
		return
	}
	if _, err := rt.disp.StartDeviceSchedule(s.UserID, m.CapsyID, m.Pills); err != nil {
		slog.Warn("router: capsy-individual failed",
			"session", s.ID, "user", s.UserID, "device", m.CapsyID, "err", err)
		rt.send(s, protocol.Ack{Type: protocol.TypeErrorCapsy})
		return
	}
	rt.send(s, protocol.Ack{Type: protocol.TypeCapsyAck})
}

func (rt *Router) handleSaveConfig(s *Session, raw []byte) {
	var m protocol.SaveConfig
	if err := json.Unmarshal(raw, &m); err != nil {
		rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigSaved, Error: "malformed config"})
		return
	}

	cfg := protocol.PillboxConfig{PillboxID: m.PillboxID, Compartments: m.Compartments}
	if err := rt.store.SavePillboxConfig(m.UserID, m.PatientID, cfg); err != nil {
		slog.Warn("router: save config failed",
			"session", s.ID, "user", m.UserID, "patient", m.PatientID, "err", err)
		rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigSaved, Error: "could not persist configuration"})
		return
	}

	if _, err := rt.disp.StartSchedule(m.UserID, m.PillboxID, m.Compartments); err != nil {
		// The config is saved; only the arming failed. Tell this requester.
		slog.Warn("router: start schedule failed",
			"session", s.ID, "user", m.UserID, "pillbox", m.PillboxID, "err", err)
		rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigSaved, Error: "no schedulable compartments"})
		return
	}
	rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigSaved, Success: true})
}

func (rt *Router) handleGetConfig(s *Session, raw []byte) {
	var m protocol.ConfigRequest
	if err := json.Unmarshal(raw, &m); err != nil {
		rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigLoaded, Error: "malformed request"})
		return
	}
	cfg, err := rt.store.PillboxConfig(m.UserID, m.PatientID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("router: load config failed",
				"session", s.ID, "user", m.UserID, "patient", m.PatientID, "err", err)
		}
		rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigLoaded, Error: "configuration not found"})
		return
	}
	rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigLoaded, Success: true, Config: &cfg})
}

func (rt *Router) handleDeleteConfig(s *Session, raw []byte) {
	var m protocol.ConfigRequest
	if err := json.Unmarshal(raw, &m); err != nil {
		rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigDeleted, Error: "malformed request"})
		return
	}
	// Deleting only removes the persisted config; timers armed from it keep
	// running until the next save replaces them.
	if err := rt.store.DeletePillboxConfig(m.UserID, m.PatientID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("router: delete config failed",
				"session", s.ID, "user", m.UserID, "patient", m.PatientID, "err", err)
		}
		rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigDeleted, Error: "configuration not found"})
		return
	}
	rt.send(s, protocol.ConfigResult{Type: protocol.TypeConfigDeleted, Success: true})
}

func (rt *Router) handlePillRequest(s *Session, raw []byte) {
	var m protocol.PillRequest
	if err := json.Unmarshal(raw, &m); err != nil {
		rt.sendError(s, "malformed pill request")
		return
	}
	if s.DeviceID == "" {
		rt.sendError(s, "pill request requires a device session")
		return
	}
	if err := rt.disp.PillRequest(s.DeviceID, m.Pills); err != nil {
		slog.Warn("router: pill request from unlinked device",
			"session", s.ID, "device", s.DeviceID, "err", err)
		rt.sendError(s, "device is not linked to a user")
	}
}

func (rt *Router) handleMedicationTaken(s *Session) {
	if s.DeviceID == "" {
		rt.sendError(s, "medication-taken requires a device session")
		return
	}
	if err := rt.disp.MedicationTaken(s.DeviceID); err != nil {
		slog.Warn("router: medication-taken from unlinked device",
			"session", s.ID, "device", s.DeviceID, "err", err)
		rt.sendError(s, "device is not linked to a user")
	}
}

// ─── Replies ─────────────────────────────────────────────────────────────────

// send delivers one reply on the session's own connection. Failures are
// logged; the read loop notices a dead socket on its own.
func (rt *Router) send(s *Session, v any) {
	if rt.metrics != nil {
		if env, ok := messageType(v); ok {
			rt.metrics.MessagesOut.Inc(env)
		}
	}
	if err := s.Conn.Send(v); err != nil {
		slog.Debug("router: reply undeliverable", "session", s.ID, "err", err)
	}
}

func (rt *Router) sendError(s *Session, msg string) {
	rt.send(s, protocol.ErrorMessage{Type: protocol.TypeError, Error: msg})
}

// messageType extracts the outbound type discriminant for metrics.
func messageType(v any) (string, bool) {
	switch m := v.(type) {
	case protocol.Ack:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.Notification:
		return m.Type, true
	case protocol.CapsyAlert:
		return m.Type, true
	case protocol.ConfigResult:
		return m.Type, true
	case protocol.ErrorMessage:
		return m.Type, true
	default:
		return "", false
	}
}
