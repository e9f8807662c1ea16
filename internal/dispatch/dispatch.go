// Package dispatch turns persisted compartment configurations into armed
// timers, and timer fires into outbound notifications and dispense commands.
//
// Data flow:
//
//	save-pillbox-config → Dispatcher.StartSchedule → timer.Directory
//	timer fires → Dispatcher.fire → registry lookup → user notification
//	                                               → device capsy-alert
//
// The dispatcher never talks to a socket directly; every delivery goes
// through the connection registry so liveness is checked at fire time, not
// at arm time.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/depremu/capsyd/internal/i18n"
	"github.com/depremu/capsyd/internal/ident"
	"github.com/depremu/capsyd/internal/metrics"
	"github.com/depremu/capsyd/internal/registry"
	"github.com/depremu/capsyd/internal/schedule"
	"github.com/depremu/capsyd/internal/timer"
	"github.com/depremu/capsyd/pkg/protocol"
)

var (
	// ErrNoValidSlots is returned when every compartment in a schedule was
	// missing the fields its kind requires, so nothing could be armed.
	ErrNoValidSlots = errors.New("dispatch: no valid schedule slots")

	// ErrUnlinkedDevice is returned when a device-initiated message arrives
	// from a device that is not paired with any user.
	ErrUnlinkedDevice = errors.New("dispatch: device not linked to a user")
)

// Screens the app opens when a notification is tapped.
const (
	screenMedications = "Medications"
	screenDevices     = "Devices"
	screenHome        = "Home"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a metrics.Registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = reg }
}

// WithClock replaces the wall clock used to compute occurrence delays.
// Production code never sets this; it exists so tests can pin "now".
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher is the scheduling state machine.
type Dispatcher struct {
	reg     *registry.Registry
	timers  *timer.Directory
	metrics *metrics.Registry
	now     func() time.Time
}

// New creates a Dispatcher that arms timers in timers and delivers through reg.
func New(reg *registry.Registry, timers *timer.Directory, opts ...Option) *Dispatcher {
	d := &Dispatcher{reg: reg, timers: timers, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ─── Schedule arming ─────────────────────────────────────────────────────────

// StartSchedule converts a pillbox configuration into timers for ownerID.
//
// Compartments without a medication are skipped. A compartment with a start
// time anchor becomes a Scheduled entry (one-shot at the next occurrence,
// then repeating); one with a bare interval becomes an Interval entry; one
// with neither is skipped and logged. The whole previous set for pillboxID
// is cancelled before the new set is armed, so editing one compartment never
// leaves yesterday's timers firing.
//
// Returns the number of entries armed. ErrNoValidSlots is returned only when
// at least one compartment carried a medication but none could be armed.
func (d *Dispatcher) StartSchedule(ownerID, pillboxID string, compartments []protocol.Compartment) (int, error) {
	var specs []timer.Spec
	assigned := 0

	for _, comp := range compartments {
		if comp.Medication == "" {
			continue
		}
		assigned++

		qty := schedule.QuantityFromDose(comp.Dose)
		key := fmt.Sprintf("%s_%d", pillboxID, comp.Slot)
		fire := d.fireFunc(ownerID, pillboxID, comp.Slot, qty)

		switch {
		case comp.StartTime != "" && comp.IntervalHours > 0:
			interval := time.Duration(comp.IntervalHours) * time.Hour
			delay, err := schedule.NextDelay(comp.StartTime, interval, d.now())
			if err != nil {
				slog.Warn("dispatch: skipping compartment with bad start time",
					"user", ownerID, "pillbox", pillboxID, "slot", comp.Slot, "err", err)
				continue
			}
			specs = append(specs, timer.Spec{
				Key: key, Kind: timer.KindScheduled,
				Delay: delay, Interval: interval, Fire: fire,
			})

		case comp.IntervalHours > 0:
			interval := time.Duration(comp.IntervalHours) * time.Hour
			specs = append(specs, timer.Spec{
				Key: key, Kind: timer.KindInterval,
				Delay: interval, Interval: interval, Fire: fire,
			})

		default:
			slog.Warn("dispatch: skipping compartment without schedule",
				"user", ownerID, "pillbox", pillboxID, "slot", comp.Slot)
		}
	}

	cancelled, err := d.timers.ReplaceAllForPrefix(ownerID, pillboxID, specs)
	if err != nil {
		return 0, fmt.Errorf("dispatch: arm schedule for %s/%s: %w", ownerID, pillboxID, err)
	}
	slog.Info("dispatch: schedule started",
		"user", ownerID, "pillbox", pillboxID, "armed", len(specs), "replaced", cancelled)

	if assigned > 0 && len(specs) == 0 {
		return 0, ErrNoValidSlots
	}
	return len(specs), nil
}

// StartDeviceSchedule arms timers for one device directly from a
// client-supplied pill list (capsy-individual), replacing any previous set
// for that device.
func (d *Dispatcher) StartDeviceSchedule(ownerID, capsyID string, pills []protocol.Pill) (int, error) {
	var specs []timer.Spec

	for _, p := range pills {
		key := fmt.Sprintf("%s_%d", capsyID, p.ID)
		qty := p.Quantity
		if qty < 1 {
			qty = 1
		}
		fire := d.fireFunc(ownerID, capsyID, p.ID, qty)

		switch {
		case p.Kind == "timeout" && p.Timeout > 0:
			specs = append(specs, timer.Spec{
				Key: key, Kind: timer.KindTimeout,
				Delay: time.Duration(p.Timeout) * time.Millisecond, Fire: fire,
			})

		case p.StartTime != "" && p.IntervalMs > 0:
			interval := time.Duration(p.IntervalMs) * time.Millisecond
			delay, err := schedule.NextDelay(p.StartTime, interval, d.now())
			if err != nil {
				slog.Warn("dispatch: skipping pill with bad start time",
					"user", ownerID, "capsy", capsyID, "pill", p.ID, "err", err)
				continue
			}
			specs = append(specs, timer.Spec{
				Key: key, Kind: timer.KindScheduled,
				Delay: delay, Interval: interval, Fire: fire,
			})

		case p.IntervalMs > 0:
			interval := time.Duration(p.IntervalMs) * time.Millisecond
			specs = append(specs, timer.Spec{
				Key: key, Kind: timer.KindInterval,
				Delay: interval, Interval: interval, Fire: fire,
			})

		default:
			slog.Warn("dispatch: skipping pill without usable schedule",
				"user", ownerID, "capsy", capsyID, "pill", p.ID, "kind", p.Kind)
		}
	}

	cancelled, err := d.timers.ReplaceAllForPrefix(ownerID, capsyID, specs)
	if err != nil {
		return 0, fmt.Errorf("dispatch: arm device schedule for %s/%s: %w", ownerID, capsyID, err)
	}
	slog.Info("dispatch: device schedule started",
		"user", ownerID, "capsy", capsyID, "armed", len(specs), "replaced", cancelled)

	if len(pills) > 0 && len(specs) == 0 {
		return 0, ErrNoValidSlots
	}
	return len(specs), nil
}

// ─── Timer fire path ─────────────────────────────────────────────────────────

// fireFunc builds the callback for one compartment's timer.
func (d *Dispatcher) fireFunc(ownerID, deviceID string, slot, qty int) func() {
	return func() { d.fire(ownerID, deviceID, slot, qty) }
}

// fire handles one due occurrence. Liveness of the paired device is checked
// here, at fire time: a live device gets the dispense command alongside the
// user's reminder; an absent device degrades to a single "not connected"
// notification and no command.
func (d *Dispatcher) fire(ownerID, deviceID string, slot, qty int) {
	lang := d.reg.UserLanguage(ownerID)

	if !d.reg.DeviceLive(deviceID) {
		n := d.notification(lang, protocol.ReasonDeviceOffline, screenDevices,
			i18n.KeyOfflineTitle, i18n.KeyOfflineBody, -1)
		if err := d.reg.SendToUser(ownerID, n); err != nil {
			slog.Warn("dispatch: offline notification undeliverable",
				"user", ownerID, "device", deviceID, "slot", slot)
		}
		return
	}

	n := d.notification(lang, protocol.ReasonReminder, screenMedications,
		i18n.KeyReminderTitle, i18n.KeyReminderBody, slot)
	if err := d.reg.SendToUser(ownerID, n); err != nil {
		slog.Warn("dispatch: reminder undeliverable", "user", ownerID, "slot", slot)
	}

	alert := protocol.CapsyAlert{
		Type: protocol.TypeCapsyAlert,
		Pill: protocol.AlertPill{ID: slot, Quantity: qty},
	}
	if err := d.reg.SendToDevice(deviceID, alert); err != nil {
		slog.Warn("dispatch: dispense command undeliverable",
			"device", deviceID, "slot", slot)
		if d.metrics != nil {
			d.metrics.Dispenses.Inc("error")
		}
		return
	}
	if d.metrics != nil {
		d.metrics.Dispenses.Inc("ok")
	}
}

// ─── Device-initiated events ─────────────────────────────────────────────────

// PillRequest notifies the device's linked user that the device is
// dispensing. One notification is sent per requested pill entry.
func (d *Dispatcher) PillRequest(deviceID string, pills []protocol.Pill) error {
	ownerID, ok := d.reg.DeviceOwner(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlinkedDevice, deviceID)
	}
	lang := d.reg.UserLanguage(ownerID)

	for _, p := range pills {
		n := d.notification(lang, protocol.ReasonPillRequest, screenMedications,
			i18n.KeyPillRequestTitle, i18n.KeyPillRequestBody, p.ID)
		if err := d.reg.SendToUser(ownerID, n); err != nil {
			slog.Warn("dispatch: pill-request notification undeliverable",
				"user", ownerID, "device", deviceID, "pill", p.ID)
		}
	}
	return nil
}

// MedicationTaken notifies the device's linked user of a confirmed intake.
func (d *Dispatcher) MedicationTaken(deviceID string) error {
	ownerID, ok := d.reg.DeviceOwner(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlinkedDevice, deviceID)
	}
	lang := d.reg.UserLanguage(ownerID)

	n := d.notification(lang, protocol.ReasonTaken, screenHome,
		i18n.KeyTakenTitle, i18n.KeyTakenBody, -1)
	if err := d.reg.SendToUser(ownerID, n); err != nil {
		slog.Warn("dispatch: taken notification undeliverable",
			"user", ownerID, "device", deviceID)
	}
	return nil
}

// notification renders a localized Notification. slot < 0 means the body has
// no slot placeholder.
func (d *Dispatcher) notification(lang, reason, screen, titleKey, bodyKey string, slot int) protocol.Notification {
	body := i18n.Translate(lang, bodyKey)
	if slot >= 0 {
		body = fmt.Sprintf(body, slot)
	}
	id, err := ident.NewID()
	if err != nil {
		id = "" // the app falls back to content-based dedup
	}
	if d.metrics != nil {
		d.metrics.Notifications.Inc(reason)
	}
	return protocol.Notification{
		Type:   protocol.TypeNotification,
		ID:     id,
		Reason: reason,
		Title:  i18n.Translate(lang, titleKey),
		Body:   body,
		Screen: screen,
	}
}
