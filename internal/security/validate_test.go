package security

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"localagent/internal/errs"
)

func TestValidateText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"plain", "hello", true},
		{"empty", "", false},
		{"nul", "a\x00b", false},
		{"at limit", strings.Repeat("x", MaxTextBytes), true},
		{"over limit", strings.Repeat("x", MaxTextBytes+1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateText("text", tc.in)
			if tc.ok && err != nil {
				t.Fatalf("ValidateText() error = %v", err)
			}
			if !tc.ok && !errs.IsValidation(err) {
				t.Fatalf("ValidateText() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestValidateMemoryContentMinimum(t *testing.T) {
	if err := ValidateMemoryContent("ab"); !errs.IsValidation(err) {
		t.Fatalf("2 bytes: error = %v, want ValidationError", err)
	}
	if err := ValidateMemoryContent("abc"); err != nil {
		t.Fatalf("3 bytes: error = %v", err)
	}
}

func nested(depth int) json.RawMessage {
	// depth 0 is a flat object; each level adds one wrapping object.
	s := `{"leaf":1}`
	for i := 0; i < depth; i++ {
		s = `{"n":` + s + `}`
	}
	return json.RawMessage(s)
}

func TestValidateSessionContext(t *testing.T) {
	if err := ValidateSessionContext(nil); err != nil {
		t.Fatalf("empty context error = %v", err)
	}
	if err := ValidateSessionContext(nested(9)); err != nil {
		t.Fatalf("depth 10 error = %v", err)
	}
	if err := ValidateSessionContext(nested(10)); !errs.IsValidation(err) {
		t.Fatalf("depth 11 error = %v, want ValidationError", err)
	}
	if err := ValidateSessionContext(json.RawMessage(`[1,2]`)); !errs.IsValidation(err) {
		t.Fatalf("array error = %v, want ValidationError", err)
	}
	if err := ValidateSessionContext(json.RawMessage(`{"a":`)); !errs.IsValidation(err) {
		t.Fatalf("truncated error = %v, want ValidationError", err)
	}
	if err := ValidateSessionContext(json.RawMessage(`{} {}`)); !errs.IsValidation(err) {
		t.Fatalf("trailing error = %v, want ValidationError", err)
	}
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()
	roots, err := NewMediaRoots(root)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ValidatePath(filepath.Join(root, "memo.WAV"), roots, AudioExtensions)
	if err != nil {
		t.Fatalf("ValidatePath() error = %v", err)
	}
	if filepath.Base(got) != "memo.WAV" {
		t.Fatalf("ValidatePath()=%q", got)
	}

	bad := []string{
		"",
		root + "/a/../memo.wav",
		filepath.Join(root, "memo.exe"),
		filepath.Join(root, "memo"),
		filepath.Join(t.TempDir(), "memo.wav"),
		filepath.Join(root, "me\x00mo.wav"),
		filepath.Join(root, strings.Repeat("a", MaxPathBytes)+".wav"),
	}
	for _, p := range bad {
		if _, err := ValidatePath(p, roots, AudioExtensions); !errs.IsValidation(err) {
			t.Fatalf("ValidatePath(%q) error = %v, want ValidationError", p, err)
		}
	}

	if _, err := ValidatePath("scan.png", nil, ImageExtensions); err != nil {
		t.Fatalf("ValidatePath() without roots error = %v", err)
	}
	if _, err := ValidatePath("scan.png", roots, AudioExtensions); !errs.IsValidation(err) {
		t.Fatalf("image as audio error = %v, want ValidationError", err)
	}
}

func TestSanitizeText(t *testing.T) {
	got := SanitizeText("line one\r\n\tline\x07 two\x1b")
	if got != "line one\r\n\tline two" {
		t.Fatalf("SanitizeText()=%q", got)
	}
	if n := len([]rune(SanitizeText(strings.Repeat("é", MaxTextBytes+5)))); n != MaxTextBytes {
		t.Fatalf("SanitizeText() runes=%d, want %d", n, MaxTextBytes)
	}
}
