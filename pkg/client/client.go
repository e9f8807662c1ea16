// Package client is the Go SDK for the capsyd WebSocket protocol.
//
// One Client plays either role on the wire: a caregiver app (InitUser) or a
// pillbox device (InitDevice).
//
//	c, err := client.Dial(ctx, "ws://localhost:8080/ws")
//	if err != nil { … }
//	defer c.Close()
//
//	if err := c.InitUser(ctx, "user-1"); err != nil { … }
//	if err := c.SaveConfig(ctx, "user-1", "patient-1", cfg); err != nil { … }
//
//	for n := range c.Notifications() {
//	    show(n)
//	}
//
// Request/reply calls are serialized: one in-flight request per Client at a
// time, matching the server's one-reply-per-request protocol. Push traffic
// (notifications to users, dispense alerts to devices) arrives on the
// Notifications and Alerts channels regardless of in-flight requests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/depremu/capsyd/pkg/protocol"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrUnknownUser is returned by InitUser when the server answers
	// not-user-id: the account is not (yet) in the server's registry.
	ErrUnknownUser = errors.New("client: user not known to server")

	// ErrRejected is returned when the server answers a request with
	// error-capsy or a generic error frame.
	ErrRejected = errors.New("client: request rejected by server")

	// ErrNotFound is returned by GetConfig / DeleteConfig when no
	// configuration exists for the requested user/patient pair.
	ErrNotFound = errors.New("client: configuration not found")

	// ErrClosed is returned when the connection has been closed.
	ErrClosed = errors.New("client: connection closed")
)

// ServerError carries the error text of a failed config operation.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server error: %s", e.Message)
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Option configures Dial.
type Option func(*dialOpts)

type dialOpts struct {
	handshakeTimeout time.Duration
}

// WithHandshakeTimeout overrides the default 10s WebSocket handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *dialOpts) { o.handshakeTimeout = d }
}

// reply is one routed request/reply frame.
type reply struct {
	msgType string
	raw     json.RawMessage
}

// Client is one live connection to a capsyd server.
type Client struct {
	ws      *gorillaws.Conn
	writeMu sync.Mutex

	// reqMu serializes request/reply calls.
	reqMu sync.Mutex

	// pendingMu guards want/waitCh, shared with the read loop.
	pendingMu sync.Mutex
	want      map[string]bool
	waitCh    chan reply

	notifications chan protocol.Notification
	alerts        chan protocol.CapsyAlert

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a capsyd server, e.g. "ws://localhost:8080/ws".
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := dialOpts{handshakeTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dialer := gorillaws.Dialer{HandshakeTimeout: o.handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	c := &Client{
		ws:            ws,
		notifications: make(chan protocol.Notification, 16),
		alerts:        make(chan protocol.CapsyAlert, 16),
		closed:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. The Notifications and Alerts channels are
// closed once the read loop exits.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// Notifications delivers server-pushed user notifications. The channel is
// closed when the connection dies. Slow consumers drop messages rather than
// stalling the read loop.
func (c *Client) Notifications() <-chan protocol.Notification { return c.notifications }

// Alerts delivers dispense commands when this client is a device session.
// Same buffering semantics as Notifications.
func (c *Client) Alerts() <-chan protocol.CapsyAlert { return c.alerts }

// ─── Wire plumbing ───────────────────────────────────────────────────────────

func (c *Client) send(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// readLoop routes inbound frames: push traffic to the channels, everything
// else to the waiter registered by the in-flight request (if any).
func (c *Client) readLoop() {
	defer func() {
		close(c.notifications)
		close(c.alerts)
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeNotification:
			var n protocol.Notification
			if err := json.Unmarshal(raw, &n); err == nil {
				select {
				case c.notifications <- n:
				default:
				}
			}
		case protocol.TypeCapsyAlert:
			var a protocol.CapsyAlert
			if err := json.Unmarshal(raw, &a); err == nil {
				select {
				case c.alerts <- a:
				default:
				}
			}
		default:
			c.pendingMu.Lock()
			if c.want != nil && c.want[env.Type] {
				ch := c.waitCh
				c.want = nil
				c.waitCh = nil
				c.pendingMu.Unlock()
				ch <- reply{msgType: env.Type, raw: raw}
				continue
			}
			c.pendingMu.Unlock()
		}
	}
}

// request sends one frame and waits for the first reply whose type is in
// wantTypes.
func (c *Client) request(ctx context.Context, msg any, wantTypes ...string) (reply, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	ch := make(chan reply, 1)
	want := make(map[string]bool, len(wantTypes))
	for _, t := range wantTypes {
		want[t] = true
	}

	c.pendingMu.Lock()
	c.want = want
	c.waitCh = ch
	c.pendingMu.Unlock()

	clearPending := func() {
		c.pendingMu.Lock()
		c.want = nil
		c.waitCh = nil
		c.pendingMu.Unlock()
	}

	if err := c.send(msg); err != nil {
		clearPending()
		return reply{}, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		clearPending()
		return reply{}, ctx.Err()
	case <-c.closed:
		clearPending()
		return reply{}, ErrClosed
	}
}

// ─── Protocol operations ─────────────────────────────────────────────────────

// InitUser registers this connection as the given user's live connection.
func (c *Client) InitUser(ctx context.Context, userID string) error {
	r, err := c.request(ctx,
		protocol.Init{Type: protocol.TypeInit, UserID: userID},
		protocol.TypeInitSuccess, protocol.TypeNotUserID, protocol.TypeError)
	if err != nil {
		return err
	}
	switch r.msgType {
	case protocol.TypeInitSuccess:
		return nil
	case protocol.TypeNotUserID:
		return ErrUnknownUser
	default:
		return ErrRejected
	}
}

// InitDevice registers this connection as a pillbox device.
func (c *Client) InitDevice(ctx context.Context, capsyID string) error {
	r, err := c.request(ctx,
		protocol.Init{Type: protocol.TypeInit, CapsyID: capsyID},
		protocol.TypeInitSuccess, protocol.TypeError)
	if err != nil {
		return err
	}
	if r.msgType != protocol.TypeInitSuccess {
		return ErrRejected
	}
	return nil
}

// Ping round-trips a ping and returns the server's timestamp.
func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	r, err := c.request(ctx, protocol.Envelope{Type: protocol.TypePing}, protocol.TypePong)
	if err != nil {
		return time.Time{}, err
	}
	var p protocol.Pong
	if err := json.Unmarshal(r.raw, &p); err != nil {
		return time.Time{}, fmt.Errorf("client: bad pong: %w", err)
	}
	return time.UnixMilli(p.Timestamp), nil
}

// LinkDevice links an already-registered device to this user session.
func (c *Client) LinkDevice(ctx context.Context, capsyID string) error {
	r, err := c.request(ctx,
		protocol.AddCapsy{Type: protocol.TypeAddCapsy, CapsyID: capsyID},
		protocol.TypeCapsyAck, protocol.TypeErrorCapsy)
	if err != nil {
		return err
	}
	if r.msgType != protocol.TypeCapsyAck {
		return ErrRejected
	}
	return nil
}

// SendSchedule arms timers for a device from a client-supplied pill list
// (capsy-individual).
func (c *Client) SendSchedule(ctx context.Context, capsyID string, pills []protocol.Pill) error {
	r, err := c.request(ctx,
		protocol.CapsyIndividual{Type: protocol.TypeCapsyIndividual, CapsyID: capsyID, Pills: pills},
		protocol.TypeCapsyAck, protocol.TypeErrorCapsy)
	if err != nil {
		return err
	}
	if r.msgType != protocol.TypeCapsyAck {
		return ErrRejected
	}
	return nil
}

// SaveConfig persists a pillbox configuration and starts its schedule.
func (c *Client) SaveConfig(ctx context.Context, userID, patientID string, cfg protocol.PillboxConfig) error {
	r, err := c.request(ctx, protocol.SaveConfig{
		Type:         protocol.TypeSaveConfig,
		UserID:       userID,
		PatientID:    patientID,
		PillboxID:    cfg.PillboxID,
		Compartments: cfg.Compartments,
	}, protocol.TypeConfigSaved)
	if err != nil {
		return err
	}
	var res protocol.ConfigResult
	if err := json.Unmarshal(r.raw, &res); err != nil {
		return fmt.Errorf("client: bad config reply: %w", err)
	}
	if !res.Success {
		return &ServerError{Message: res.Error}
	}
	return nil
}

// GetConfig loads the stored pillbox configuration for a user/patient pair.
func (c *Client) GetConfig(ctx context.Context, userID, patientID string) (protocol.PillboxConfig, error) {
	r, err := c.request(ctx, protocol.ConfigRequest{
		Type: protocol.TypeGetConfig, UserID: userID, PatientID: patientID,
	}, protocol.TypeConfigLoaded)
	if err != nil {
		return protocol.PillboxConfig{}, err
	}
	var res protocol.ConfigResult
	if err := json.Unmarshal(r.raw, &res); err != nil {
		return protocol.PillboxConfig{}, fmt.Errorf("client: bad config reply: %w", err)
	}
	if !res.Success || res.Config == nil {
		return protocol.PillboxConfig{}, ErrNotFound
	}
	return *res.Config, nil
}

// DeleteConfig removes the stored configuration for a user/patient pair.
func (c *Client) DeleteConfig(ctx context.Context, userID, patientID string) error {
	r, err := c.request(ctx, protocol.ConfigRequest{
		Type: protocol.TypeDeleteConfig, UserID: userID, PatientID: patientID,
	}, protocol.TypeConfigDeleted)
	if err != nil {
		return err
	}
	var res protocol.ConfigResult
	if err := json.Unmarshal(r.raw, &res); err != nil {
		return fmt.Errorf("client: bad config reply: %w", err)
	}
	if !res.Success {
		return ErrNotFound
	}
	return nil
}

// PillRequest reports (as a device) that a dose is being dispensed, so the
// server notifies the linked user. Fire-and-forget: the server replies only
// on error.
func (c *Client) PillRequest(pills []protocol.Pill) error {
	return c.send(protocol.PillRequest{Type: protocol.TypePillRequest, Pills: pills})
}

// MedicationTaken reports (as a device) a confirmed intake.
func (c *Client) MedicationTaken() error {
	return c.send(protocol.Envelope{Type: protocol.TypeMedicationTaken})
}
