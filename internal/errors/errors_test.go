package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidationError(t *testing.T) {
	tests := []struct {
		name     string
		err      *ValidationError
		contains string
	}{
		{"field and message", NewValidationError("tool.id", "required"), "tool.id: required"},
		{"message only", &ValidationError{Msg: "empty chain"}, "validation failed: empty chain"},
		{"wrapped cause", &ValidationError{Field: "body", Msg: "invalid JSON", Err: errors.New("unexpected EOF")}, "unexpected EOF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("Error() = %q, want substring %q", tt.err.Error(), tt.contains)
			}
			if !IsValidation(tt.err) {
				t.Error("IsValidation should be true")
			}
			wrapped := fmt.Errorf("ingest: %w", tt.err)
			if !IsValidation(wrapped) {
				t.Error("IsValidation should see through wrapping")
			}
		})
	}
}

func TestUnreachableDependencyError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &UnreachableDependencyError{Service: "detector", URL: "http://localhost:8080", Err: cause}

	if !IsUnreachable(err) {
		t.Error("IsUnreachable should be true")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrappable")
	}
	if IsValidation(err) {
		t.Error("unreachable error must not be a validation error")
	}

	var target *UnreachableDependencyError
	if !errors.As(fmt.Errorf("fire: %w", err), &target) {
		t.Fatal("errors.As failed")
	}
	if target.Service != "detector" {
		t.Errorf("expected service detector, got %s", target.Service)
	}
}
