package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestInsufficientBudgetErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("allocate: %w", &InsufficientBudgetError{
		Agent:     "a-1",
		Required:  500,
		Available: 100,
	})

	if !errors.Is(err, ErrInsufficientBudget) {
		t.Error("expected errors.Is to match ErrInsufficientBudget")
	}

	var ibe *InsufficientBudgetError
	if !errors.As(err, &ibe) {
		t.Fatal("expected errors.As to extract InsufficientBudgetError")
	}
	if ibe.Required != 500 || ibe.Available != 100 {
		t.Errorf("payload = {%d %d}, want {500 100}", ibe.Required, ibe.Available)
	}
}

func TestInvalidTransitionErrorUnwraps(t *testing.T) {
	err := &InvalidTransitionError{Entity: "agent", ID: "a-1", From: "completed", To: "executing"}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("expected errors.Is to match ErrInvalidTransition")
	}
	want := "invalid agent transition for a-1: completed -> executing"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNotFoundErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("load: %w", &NotFoundError{Entity: "workspace", ID: "w-1"})
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("tx: %w", ErrTransientStore)) {
		t.Error("transient store errors are retryable")
	}
	if IsRetryable(ErrValidation) {
		t.Error("validation errors are not retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}
