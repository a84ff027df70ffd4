package engineerr

import (
	"errors"
	"testing"
)

func TestErrorIsSentinel(t *testing.T) {
	err := New(KindTimeout, "HTTP", "deadline exceeded")
	if !errors.Is(err, Sentinel(KindTimeout)) {
		t.Fatalf("expected errors.Is to match on kind")
	}
	if errors.Is(err, Sentinel(KindValidation)) {
		t.Fatalf("expected errors.Is to not match a different kind")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindHandlerRuntime, "HTTP", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the original cause")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := New(KindNoHandler, "Router", "no handler registered for type router")
	want := "no_handler: node Router: no handler registered for type router"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
