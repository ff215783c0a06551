package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesKindAndCode(t *testing.T) {
	a := NewUnknownJob("job-1")
	b := NewUnknownJob("job-2")
	if !errors.Is(a, b) {
		t.Error("expected two UnknownJob errors to match via Is regardless of message")
	}
	if errors.Is(a, NewAuthMissing("GITHUB_TOKEN")) {
		t.Error("expected errors of different kinds not to match")
	}
}

func TestError_WithCauseUnwraps(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewStorageError("save", nil).WithCause(cause)
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the wrapped cause")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewStorageError("load", nil)) {
		t.Error("storage errors are retryable")
	}
	if IsRetryable(NewInvalidInput("X", "bad")) {
		t.Error("invalid input is not retryable")
	}
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("non-domain errors are never retryable")
	}
}

func TestTransitionsTaskToFailed(t *testing.T) {
	failing := []error{
		NewTurnTimeout("t", "1"),
		NewTurnFailed("model error"),
		NewBudgetExceeded("t1", 6, 5),
		NewBlockedEdit("package.json"),
		NewNoProgress(3),
	}
	for _, err := range failing {
		if !TransitionsTaskToFailed(err) {
			t.Errorf("expected %v to transition task to failed", err)
		}
	}

	nonFailing := []error{
		NewInvalidInput("X", "bad"),
		NewStorageError("load", nil),
		NewInvalidTransition(TaskStatusCreated, TaskStatusPROpened),
		fmt.Errorf("plain"),
	}
	for _, err := range nonFailing {
		if TransitionsTaskToFailed(err) {
			t.Errorf("did not expect %v to transition task to failed", err)
		}
	}
}
