package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("load memory: %w", NotFound("memory", "m1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(%v, ErrNotFound)=false", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "m1" {
		t.Fatalf("errors.As got %+v", nf)
	}
}

func TestStorageKeepsTypedErrors(t *testing.T) {
	if Storage("x", nil) != nil {
		t.Fatal("Storage(nil) should be nil")
	}
	nf := NotFound("task", "t1")
	if got := Storage("get task", nf); got != nf {
		t.Fatalf("Storage rewrapped NotFound: %v", got)
	}
	base := errors.New("disk full")
	got := Storage("insert", base)
	var se *StorageError
	if !errors.As(got, &se) || se.Op != "insert" || !errors.Is(got, base) {
		t.Fatalf("Storage=%v, want StorageError wrapping base", got)
	}
}

func TestResourceDeniedMessage(t *testing.T) {
	err := &ResourceDeniedError{Reason: "running on battery"}
	if got, want := err.Error(), "resource denied: running on battery"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
	err.EstimatedWait = 30 * time.Second
	if got, want := err.Error(), "resource denied: running on battery (retry in 30s)"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}

func TestClassifiers(t *testing.T) {
	if !IsValidation(fmt.Errorf("wrap: %w", Invalid("max_cpu_percent", "must be <= %d", 80))) {
		t.Fatal("IsValidation=false")
	}
	if !IsNetwork(&NetworkError{Op: "ping", Err: errors.New("refused")}) {
		t.Fatal("IsNetwork=false")
	}
	if IsNetwork(errors.New("plain")) {
		t.Fatal("IsNetwork(plain)=true")
	}
}
