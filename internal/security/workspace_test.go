package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMediaRootsResolve_BlocksParentEscape(t *testing.T) {
	roots, err := NewMediaRoots(t.TempDir())
	if err != nil {
		t.Fatalf("NewMediaRoots() error = %v", err)
	}

	_, err = roots.Resolve("../outside.wav")
	if !errors.Is(err, ErrPathOutsideRoots) {
		t.Fatalf("Resolve() error = %v, want ErrPathOutsideRoots", err)
	}
}

func TestMediaRootsResolve_BlocksSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	linkPath := filepath.Join(root, "escape")
	if err := os.Symlink(outside, linkPath); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	roots, err := NewMediaRoots(root)
	if err != nil {
		t.Fatalf("NewMediaRoots() error = %v", err)
	}

	_, err = roots.Resolve("escape/clip.wav")
	if !errors.Is(err, ErrPathOutsideRoots) {
		t.Fatalf("Resolve() error = %v, want ErrPathOutsideRoots", err)
	}
}

func TestMediaRootsResolve_AcceptsAnyRoot(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	roots, err := NewMediaRoots(first, "", second)
	if err != nil {
		t.Fatalf("NewMediaRoots() error = %v", err)
	}
	if len(roots.Roots()) != 2 {
		t.Fatalf("Roots()=%v, want 2 entries", roots.Roots())
	}

	want := filepath.Join(second, "scans", "page.png")
	got, err := roots.Resolve(want)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	rel, err := filepath.Rel(roots.Roots()[1], got)
	if err != nil {
		t.Fatalf("filepath.Rel() error = %v", err)
	}
	if rel != filepath.Join("scans", "page.png") {
		t.Fatalf("Resolve() relative path = %q, want %q", rel, filepath.Join("scans", "page.png"))
	}
}

func TestNewMediaRootsRequiresOne(t *testing.T) {
	if _, err := NewMediaRoots("", "  "); err == nil {
		t.Fatal("NewMediaRoots() error = nil, want error")
	}
}
