package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetriable(t *testing.T) {
	tests := []struct {
		name      string
		err       *AppError
		retriable bool
	}{
		{
			name:      "transient is retriable",
			err:       NewTransient("connect refused", nil),
			retriable: true,
		},
		{
			name:      "timeout is retriable",
			err:       NewTimeout("deadline exceeded", nil),
			retriable: true,
		},
		{
			name:      "server is retriable",
			err:       NewServer("internal error", nil),
			retriable: true,
		},
		{
			name:      "client is not retriable",
			err:       NewClient("bad request"),
			retriable: false,
		},
		{
			name:      "syntax is never retriable",
			err:       NewSyntax("Parser exception: unexpected token"),
			retriable: false,
		},
		{
			name:      "allocation is not retriable",
			err:       NewAllocation("no capacity"),
			retriable: false,
		},
		{
			name:      "routing is not retriable",
			err:       NewRouting("no shared master"),
			retriable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Retriable(); got != tt.retriable {
				t.Errorf("Retriable() = %v, want %v", got, tt.retriable)
			}
			if got := IsRetriable(tt.err); got != tt.retriable {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.retriable)
			}
		})
	}
}

func TestWrapPreservesKind(t *testing.T) {
	base := NewSyntax("Binder exception: Cannot find property").WithStatus(500)
	wrapped := Wrap(base, "query failed")

	if !IsSyntax(wrapped) {
		t.Fatalf("expected wrapped error to keep SYNTAX kind, got %v", wrapped)
	}

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("expected AppError")
	}
	if appErr.Status != 500 {
		t.Errorf("Status = %d, want 500", appErr.Status)
	}
	if IsRetriable(wrapped) {
		t.Error("wrapped syntax error must not be retriable")
	}
}

func TestWrapForeignError(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "registry write failed")
	if !IsServer(err) {
		t.Errorf("foreign errors wrap as SERVER, got %v", err)
	}
	if Wrap(nil, "noop") != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestDetails(t *testing.T) {
	err := NewAllocation("no capacity").
		WithDetail("tier", "standard").
		WithDetail("retry_after", "3-5 minutes")

	if err.Details["tier"] != "standard" {
		t.Errorf("Details[tier] = %v", err.Details["tier"])
	}
	if len(err.Details) != 2 {
		t.Errorf("len(Details) = %d, want 2", len(err.Details))
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewTransient("request failed", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is must reach the wrapped cause")
	}
}
