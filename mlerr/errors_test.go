package mlerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("train: %w", Validation("No training data available"))
	if !IsValidation(wrapped) {
		t.Fatalf("expected validation error, got %v", wrapped)
	}
	if IsState(wrapped) || IsDecode(wrapped) {
		t.Fatalf("unexpected classification for %v", wrapped)
	}
	if wrapped.Error() != "train: No training data available" {
		t.Fatalf("unexpected message: %s", wrapped.Error())
	}
}

func TestDecodeUnwrap(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := Decode(cause, "decode image")
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if err.Error() != "decode image: unexpected EOF" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if !IsDecode(err) {
		t.Fatal("expected decode error")
	}
}
