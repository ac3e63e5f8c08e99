package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ""},
		{"input", Input("submit", "empty goal"), InputError},
		{"wrapped conflict", fmt.Errorf("upsert: %w", Conflict("upsert", "doc-1", 1, 2)), WriteConflict},
		{"canceled", context.Canceled, CancellationRequested},
		{"deadline", fmt.Errorf("stage: %w", context.DeadlineExceeded), StageTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", Unavailable("embed", errors.New("refused")), true},
		{"timeout", E(StageTimeout, "stage", nil), true},
		{"agent transient", Agent("generate", true, errors.New("503")), true},
		{"agent terminal", Agent("generate", false, errors.New("bad json")), false},
		{"input", Input("plan", "empty"), false},
		{"dependency", E(DependencyFailed, "stage", nil), false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("put", "a", 0, 3))
	if !errors.Is(err, E(WriteConflict, "", nil)) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(err, E(InputError, "", nil)) {
		t.Error("errors.Is matched the wrong kind")
	}
}
