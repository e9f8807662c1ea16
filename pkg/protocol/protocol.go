// Package protocol defines the JSON wire messages and the persisted record
// shapes of the capsyd pillbox protocol. It is public so SDK consumers can
// name the types, and it deliberately has zero capsyd imports so the
// registry, router, and store layers can all depend on it without cycles.
package protocol

// ─── Message type discriminants ──────────────────────────────────────────────

// Inbound message types. Every frame on the WebSocket is one JSON object
// discriminated by its "type" field.
const (
	TypeInit            = "init"
	TypePing            = "ping"
	TypeAddCapsy        = "add-capsy"
	TypeCapsyIndividual = "capsy-individual"
	TypeSaveConfig      = "save-pillbox-config"
	TypeGetConfig       = "get-pillbox-config"
	TypeDeleteConfig    = "delete-pillbox-config"
	TypePillRequest     = "capsy-pill-request"
	TypeMedicationTaken = "medication-taken"
)

// Outbound message types.
const (
	TypeInitSuccess   = "init-success"
	TypeNotUserID     = "not-user-id"
	TypePong          = "pong"
	TypeNotification  = "notification"
	TypeErrorCapsy    = "error-capsy"
	TypeCapsyAck      = "capsy"
	TypeCapsyAlert    = "capsy-alert"
	TypeConfigSaved   = "pillbox-config-saved"
	TypeConfigLoaded  = "pillbox-config-loaded"
	TypeConfigDeleted = "pillbox-config-deleted"
	TypeError         = "error"
)

// Notification reasons.
const (
	ReasonReminder      = "medication-reminder"
	ReasonDeviceOffline = "capsy-disconnected"
	ReasonPillRequest   = "pill-request"
	ReasonTaken         = "medication-taken"
)

// Envelope is the minimal frame shared by every message. Inbound frames are
// first decoded into an Envelope to pick the handler, then re-decoded into
// the concrete type.
type Envelope struct {
	Type string `json:"type"`
}

// ─── Inbound messages ────────────────────────────────────────────────────────

// Init registers the live connection for either a user (the caregiver app)
// or a device (a physical pillbox). Exactly one of UserID / CapsyID is set.
type Init struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	CapsyID string `json:"capsyId,omitempty"`
}

// AddCapsy links an already-registered device to the current user.
type AddCapsy struct {
	Type    string `json:"type"`
	CapsyID string `json:"capsyId"`
}

// Pill is one client-supplied schedule entry for a single compartment,
// used by capsy-individual and capsy-pill-request.
//
// Kind selects the timer flavour:
//
//	"timeout"   — fire once after Timeout milliseconds
//	"interval"  — fire every IntervalMs milliseconds
//	"scheduled" — fire at the next occurrence of StartTime, then every IntervalMs
type Pill struct {
	ID         int    `json:"id"` // compartment slot, 1–10
	Kind       string `json:"type"`
	Timeout    int64  `json:"timeout,omitempty"`    // milliseconds
	StartTime  string `json:"startTime,omitempty"`  // "HH:MM"
	IntervalMs int64  `json:"intervalMs,omitempty"` // milliseconds
	Quantity   int    `json:"cantidad"`
}

// CapsyIndividual arms timers for one device directly from a client-supplied
// schedule, bypassing the persisted pillbox configuration.
type CapsyIndividual struct {
	Type    string `json:"type"`
	CapsyID string `json:"capsyId"`
	Pills   []Pill `json:"pastilla"`
}

// SaveConfig persists a pillbox configuration and (re)starts its schedule.
type SaveConfig struct {
	Type         string        `json:"type"`
	UserID       string        `json:"userId"`
	PatientID    string        `json:"patientId"`
	PillboxID    string        `json:"pillboxId"`
	Compartments []Compartment `json:"compartments"`
}

// ConfigRequest is the shared shape of get-pillbox-config and
// delete-pillbox-config.
type ConfigRequest struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	PatientID string `json:"patientId"`
}

// PillRequest is sent by a device asking the server to notify its linked
// user of a dispense event.
type PillRequest struct {
	Type  string `json:"type"`
	Pills []Pill `json:"pastilla"`
}

// ─── Persisted records ───────────────────────────────────────────────────────

// User is one caregiver account as stored in the user store.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language"` // ISO 639-1, e.g. "en", "es"
}

// Compartment is the persisted schedule for one physical pillbox compartment.
// Either StartTime+IntervalHours (anchored daily schedule) or a bare
// IntervalHours (repeat-only) must be set for the compartment to be armed.
type Compartment struct {
	Slot          int    `json:"slot"` // 1–10
	Medication    string `json:"medication"`
	Dose          string `json:"dose"`                    // e.g. "2 pills"
	StartTime     string `json:"startTime,omitempty"`     // "HH:MM"
	IntervalHours int    `json:"intervalHours,omitempty"` // repeat period
}

// PillboxConfig is the full persisted configuration of one pillbox.
type PillboxConfig struct {
	PillboxID    string        `json:"pillboxId"`
	Compartments []Compartment `json:"compartments"`
}

// ─── Outbound messages ───────────────────────────────────────────────────────

// Ack is the shared shape of init-success, not-user-id, capsy, and
// error-capsy responses.
type Ack struct {
	Type string `json:"type"`
}

// Pong is the reply to a ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // UTC milliseconds
}

// Notification is a user-facing push message rendered by the app.
type Notification struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"` // ULID, for client-side dedup
	Reason string `json:"reason"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Screen string `json:"screen"` // app screen to open on tap
}

// AlertPill identifies the compartment and quantity of a dispense command.
type AlertPill struct {
	ID       int `json:"id"`
	Quantity int `json:"cantidad"`
}

// CapsyAlert is the dispense command sent to a live device.
type CapsyAlert struct {
	Type string    `json:"type"`
	Pill AlertPill `json:"pastilla"`
}

// ConfigResult is the reply to save/get/delete-pillbox-config.
type ConfigResult struct {
	Type    string         `json:"type"`
	Success bool           `json:"success"`
	Config  *PillboxConfig `json:"config,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ErrorMessage is the generic typed error response. Sending one never closes
// the connection.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
