package hookerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsExtractsThroughWrapping(t *testing.T) {
	inner := New(Timeout, "corr-1", "worker took too long")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)

	he, ok := As(wrapped)
	if !ok {
		t.Fatal("As must unwrap through fmt.Errorf chains")
	}
	if he.Kind != Timeout || he.CorrelationID != "corr-1" {
		t.Fatalf("unexpected extraction: %+v", he)
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Fatal("a plain error must not extract")
	}
	if _, ok := As(nil); ok {
		t.Fatal("nil must not extract")
	}
}

func TestWrapPreservesCauseForErrorsIs(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(WorkerError, "corr-2", "invoke failed", cause)

	if !errors.Is(err, cause) {
		t.Fatal("Wrap must keep the cause reachable via errors.Is")
	}
	if err.Error() == "" || cause.Error() == err.Error() {
		t.Fatalf("message must combine kind, message, and cause: %q", err.Error())
	}
}

func TestTransientKinds(t *testing.T) {
	transient := []Kind{NoWorker, Overloaded, Timeout, CircuitOpen, Shutdown}
	for _, k := range transient {
		if !k.Transient() {
			t.Fatalf("%s must be transient", k)
		}
	}
	terminal := []Kind{BadRequest, Unauthenticated, Unauthorized, WorkerError, Internal}
	for _, k := range terminal {
		if k.Transient() {
			t.Fatalf("%s must not be transient", k)
		}
	}
}
