// Package i18n holds the notification translation tables.
//
// Lookups never fail: an unknown language falls back to English, and an
// unknown key falls back to the key itself so a missing translation is
// visible in the app rather than silently blank.
package i18n

import "strings"

const fallbackLang = "en"

// Translation keys used by the dispatcher. Values containing %d are format
// strings taking the compartment slot number.
const (
	KeyReminderTitle    = "reminder.title"
	KeyReminderBody     = "reminder.body"
	KeyOfflineTitle     = "offline.title"
	KeyOfflineBody      = "offline.body"
	KeyPillRequestTitle = "pillrequest.title"
	KeyPillRequestBody  = "pillrequest.body"
	KeyTakenTitle       = "taken.title"
	KeyTakenBody        = "taken.body"
)

var tables = map[string]map[string]string{
	"en": {
		KeyReminderTitle:    "Medication reminder",
		KeyReminderBody:     "Time to take the medication in compartment %d",
		KeyOfflineTitle:     "Pillbox not connected",
		KeyOfflineBody:      "A dose is due but the pillbox is offline. Check its connection.",
		KeyPillRequestTitle: "Pillbox dispensing",
		KeyPillRequestBody:  "The pillbox is dispensing the dose from compartment %d",
		KeyTakenTitle:       "Medication taken",
		KeyTakenBody:        "The patient confirmed taking the medication",
	},
	"es": {
		KeyReminderTitle:    "Recordatorio de medicamento",
		KeyReminderBody:     "Es hora de tomar el medicamento del compartimento %d",
		KeyOfflineTitle:     "Pastillero desconectado",
		KeyOfflineBody:      "Toca una dosis pero el pastillero no está conectado. Revisa su conexión.",
		KeyPillRequestTitle: "Pastillero dispensando",
		KeyPillRequestBody:  "El pastillero está dispensando la dosis del compartimento %d",
		KeyTakenTitle:       "Medicamento tomado",
		KeyTakenBody:        "El paciente confirmó la toma del medicamento",
	},
}

// Translate returns the translation of key for lang, falling back to English
// for unknown languages and to the key itself for unknown keys.
// Region subtags are ignored ("es-MX" uses the "es" table).
func Translate(lang, key string) string {
	base, _, _ := strings.Cut(strings.ToLower(lang), "-")
	table, ok := tables[base]
	if !ok {
		table = tables[fallbackLang]
	}
	if v, ok := table[key]; ok {
		return v
	}
	if v, ok := tables[fallbackLang][key]; ok {
		return v
	}
	return key
}

// Languages returns the language codes with a full translation table.
func Languages() []string {
	out := make([]string, 0, len(tables))
	for lang := range tables {
		out = append(out, lang)
	}
	return out
}
