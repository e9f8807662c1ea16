// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for capsyd. It deliberately avoids the prometheus/client_golang
// package so the server binary stays small with no additional dependencies.
//
// All counters are label-keyed: the label value (message type, timer kind,
// notification reason, …) is the map key inside a lock-free labelCounter.
//
// Calling Registry.Handler() returns an http.Handler that renders every
// counter in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key (0 if never incremented).
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all capsyd application metrics.
type Registry struct {
	// Wire-level counters. key = message type.
	MessagesIn  labelCounter
	MessagesOut labelCounter

	// Timer lifecycle counters. key = timer kind ("scheduled", "interval", "timeout").
	TimersArmed     labelCounter
	TimersFired     labelCounter
	TimersCancelled labelCounter

	// Dispatch counters. key = notification reason / "ok".
	Notifications labelCounter
	Dispenses     labelCounter

	// Registry reload outcomes. key = "ok" | "error".
	Reloads labelCounter
}

// family describes one exported metric family for the text encoder.
type family struct {
	name, help, label string
	counter           *labelCounter
}

func (r *Registry) families() []family {
	return []family{
		{"capsyd_messages_in_total", "Inbound WebSocket messages by type", "type", &r.MessagesIn},
		{"capsyd_messages_out_total", "Outbound WebSocket messages by type", "type", &r.MessagesOut},
		{"capsyd_timers_armed_total", "Timers armed by kind", "kind", &r.TimersArmed},
		{"capsyd_timers_fired_total", "Timer fires by kind", "kind", &r.TimersFired},
		{"capsyd_timers_cancelled_total", "Timers cancelled by kind", "kind", &r.TimersCancelled},
		{"capsyd_notifications_total", "User notifications sent by reason", "reason", &r.Notifications},
		{"capsyd_dispense_commands_total", "Dispense commands sent to devices", "result", &r.Dispenses},
		{"capsyd_registry_reloads_total", "Connection registry reload passes by outcome", "result", &r.Reloads},
	}
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
			fmt.Fprintf(&b, "# TYPE %s counter\n", f.name)

			// Collect then sort so the output is stable across scrapes.
			type row struct {
				key string
				val int64
			}
			var rows []row
			f.counter.Each(func(key string, val int64) {
				rows = append(rows, row{key, val})
			})
			sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

			for _, rw := range rows {
				fmt.Fprintf(&b, "%s{%s=%q} %d\n", f.name, f.label, rw.key, rw.val)
			}
		}
		_, _ = w.Write([]byte(b.String()))
	})
}
