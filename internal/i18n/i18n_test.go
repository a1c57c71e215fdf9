package i18n

import "testing"

func TestNew_English(t *testing.T) {
	i := New("en")
	if i.Locale() != "en" {
		t.Fatalf("Locale()=%q, want en", i.Locale())
	}
	got := i.T("panel.tasks")
	if got != "Tasks" {
		t.Fatalf("T(panel.tasks)=%q, want Tasks", got)
	}
}

func TestNew_Danish(t *testing.T) {
	i := New("da")
	if i.Locale() != "da" {
		t.Fatalf("Locale()=%q, want da", i.Locale())
	}
	got := i.T("panel.tasks")
	if got != "Opgaver" {
		t.Fatalf("T(panel.tasks)=%q, want Opgaver", got)
	}
}

func TestNew_DanishFromLang(t *testing.T) {
	i := New("da_DK.UTF-8")
	if i.Locale() != "da" {
		t.Fatalf("Locale()=%q, want da", i.Locale())
	}
	got := i.T("deny.on_battery")
	if got != "Kører på batteri" {
		t.Fatalf("T(deny.on_battery)=%q", got)
	}
}

func TestT_WithArgs(t *testing.T) {
	i := New("en")
	got := i.T("deny.not_idle", uint64(40), uint64(120))
	if got != "Waiting for system idle (40/120s)" {
		t.Fatalf("T with args=%q", got)
	}
}

func TestT_MissingKey(t *testing.T) {
	i := New("en")
	got := i.T("nonexistent.key")
	if got != "nonexistent.key" {
		t.Fatalf("T missing key=%q, want key itself", got)
	}
	if i.Has("nonexistent.key") {
		t.Fatal("Has(nonexistent.key)=true")
	}
}

func TestCatalogsHaveSameKeys(t *testing.T) {
	for k := range EnMessages {
		if _, ok := DaMessages[k]; !ok {
			t.Errorf("da catalog missing %q", k)
		}
	}
	for k := range DaMessages {
		if _, ok := EnMessages[k]; !ok {
			t.Errorf("en catalog missing %q", k)
		}
	}
}

func TestNormalizeLocale(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"en_US.UTF-8", "en"},
		{"da_DK.UTF-8", "da"},
		{"da", "da"},
		{"en", "en"},
		{"", "en"},
		{"fr_FR", "fr-FR"},
		{"da_DK@euro", "da"},
	}
	for _, tt := range tests {
		got := normalizeLocale(tt.input)
		if got != tt.expected {
			t.Errorf("normalizeLocale(%q)=%q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestGlobal(t *testing.T) {
	g := Global()
	if g == nil {
		t.Fatal("Global() should not be nil")
	}
	// 应该返回同一实例 / Should return same instance
	g2 := Global()
	if g != g2 {
		t.Fatal("Global() should return same instance")
	}
}

func TestMatchAndFallback(t *testing.T) {
	if l, ok := Match("en-GB"); !ok || l != "en" {
		t.Fatalf("Match(en-GB)=%q,%v", l, ok)
	}
	if _, ok := Match("fr_FR.UTF-8"); ok {
		t.Fatal("fr should not match a catalog")
	}
	if got := New("fr_FR").Locale(); got != DefaultLocale {
		t.Fatalf("unsupported locale=%q, want %q", got, DefaultLocale)
	}
	if got := Supported(); len(got) != 2 || got[0] != "da" || got[1] != "en" {
		t.Fatalf("Supported()=%v", got)
	}
}

func TestDetectLocaleSkipsPOSIX(t *testing.T) {
	t.Setenv("LOCALAGENT_LANG", "")
	t.Setenv("LANG", "C")
	t.Setenv("LC_ALL", "da_DK.UTF-8")
	if got := DetectLocale(); got != "da" {
		t.Fatalf("DetectLocale()=%q, want da", got)
	}
}

func TestInitReplacesGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { global.Store(prev) })
	Init("da")
	if Global().Locale() != "da" || T("panel.tasks") != "Opgaver" {
		t.Fatalf("global not replaced: %q", Global().Locale())
	}
}
