// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import (
	"sort"
	"testing"
)

func TestInitAndAvailableLocales(t *testing.T) {
	Init("en")
	if GetLang() != "en" {
		t.Fatalf("expected lang 'en', got %q", GetLang())
	}
	av := Available()
	sort.Strings(av)
	if len(av) != 2 || av[0] != "de" || av[1] != "en" {
		t.Fatalf("unexpected locales: %v", av)
	}
}

func TestT_BasicAndFormatting(t *testing.T) {
	Init("en")

	if got := T("summary.failed_units"); got != "Failed units:" {
		t.Fatalf("expected 'Failed units:', got %q", got)
	}
	if got := T("summary.success", "export"); got != "export finished successfully" {
		t.Fatalf("unexpected formatted translation: %q", got)
	}

	SetLang("de")
	defer SetLang("en")
	if GetLang() != "de" {
		t.Fatalf("expected lang 'de', got %q", GetLang())
	}
	if got := T("summary.package", "/tmp/x.pkg"); got != "Paket: /tmp/x.pkg" {
		t.Fatalf("expected German translation, got %q", got)
	}
}

func TestT_UnknownIDIsReturnedVerbatim(t *testing.T) {
	Init("en")
	if got := T("no.such.message"); got != "no.such.message" {
		t.Fatalf("expected id back, got %q", got)
	}
}
