package errs

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(NoSpace, "alloc.Bucket")
	k, ok := KindOf(err)
	if !ok || k != NoSpace {
		t.Fatalf("KindOf() = %v, %v; want NoSpace, true", k, ok)
	}
	if !Is(err, NoSpace) {
		t.Fatalf("Is(err, NoSpace) = false")
	}
	if Is(err, Retry) {
		t.Fatalf("Is(err, Retry) = true")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk fell off")
	err := Wrap(IOError, "device.Read", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false")
	}
	if k, _ := KindOf(err); k != IOError {
		t.Fatalf("KindOf() = %v; want IOError", k)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("KindOf(plain error) = true; want false")
	}
}
