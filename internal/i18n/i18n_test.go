package i18n_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/depremu/capsyd/internal/i18n"
)

func TestTranslate_KnownLanguages(t *testing.T) {
	en := i18n.Translate("en", i18n.KeyReminderTitle)
	es := i18n.Translate("es", i18n.KeyReminderTitle)
	if en == "" || es == "" {
		t.Fatal("translations must not be empty")
	}
	if en == es {
		t.Errorf("en and es should differ, both are %q", en)
	}
}

func TestTranslate_UnknownLanguageFallsBackToEnglish(t *testing.T) {
	want := i18n.Translate("en", i18n.KeyOfflineTitle)
	if got := i18n.Translate("fr", i18n.KeyOfflineTitle); got != want {
		t.Errorf("fr should fall back to en: got %q, want %q", got, want)
	}
	if got := i18n.Translate("", i18n.KeyOfflineTitle); got != want {
		t.Errorf("empty lang should fall back to en: got %q, want %q", got, want)
	}
}

func TestTranslate_RegionSubtagStripped(t *testing.T) {
	want := i18n.Translate("es", i18n.KeyTakenTitle)
	if got := i18n.Translate("es-MX", i18n.KeyTakenTitle); got != want {
		t.Errorf("es-MX should use the es table: got %q, want %q", got, want)
	}
}

func TestTranslate_UnknownKeyReturnsKey(t *testing.T) {
	if got := i18n.Translate("en", "nope.key"); got != "nope.key" {
		t.Errorf("unknown key should echo itself, got %q", got)
	}
}

// TestTranslate_SlotBodiesFormat verifies the bodies that carry a slot number
// actually contain a %d placeholder in every language.
func TestTranslate_SlotBodiesFormat(t *testing.T) {
	for _, lang := range i18n.Languages() {
		for _, key := range []string{i18n.KeyReminderBody, i18n.KeyPillRequestBody} {
			body := i18n.Translate(lang, key)
			if !strings.Contains(body, "%d") {
				t.Errorf("%s/%s has no %%d placeholder: %q", lang, key, body)
				continue
			}
			rendered := fmt.Sprintf(body, 3)
			if strings.Contains(rendered, "%!") {
				t.Errorf("%s/%s renders badly: %q", lang, key, rendered)
			}
		}
	}
}

func TestLanguages(t *testing.T) {
	langs := i18n.Languages()
	seen := make(map[string]bool, len(langs))
	for _, l := range langs {
		seen[l] = true
	}
	if !seen["en"] || !seen["es"] {
		t.Errorf("expected en and es, got %v", langs)
	}
}
