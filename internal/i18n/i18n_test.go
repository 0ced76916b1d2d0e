// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import (
	"strings"
	"testing"
)

func TestTranslations(t *testing.T) {
	Init("en")
	if got := T("keys.none"); !strings.Contains(got, "No tracked keys") {
		t.Fatalf("unexpected English message: %q", got)
	}

	SetLang("de")
	if got := T("keys.none"); !strings.Contains(got, "Keine") {
		t.Fatalf("unexpected German message: %q", got)
	}

	// Unknown ids fall back to the id itself.
	if got := T("does.not.exist"); got != "does.not.exist" {
		t.Fatalf("expected id fallback, got %q", got)
	}

	Init("en")
}

func TestUninitializedDefaultsToEnglish(t *testing.T) {
	localizer = nil
	if got := T("sweep.done"); !strings.Contains(got, "finished") {
		t.Fatalf("expected English fallback, got %q", got)
	}
}
