package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"alps/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "denoise", "dwidenoise", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"denoise", "dwidenoise", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestKindMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"tool", services.Wrap(services.ErrExternalTool, "fit", "dtifit", "exit 1", nil), services.KindExternalTool},
		{"validation", services.Wrap(services.ErrValidation, "discover", "", "no dataset", nil), services.KindValidation},
		{"config", services.Wrap(services.ErrConfiguration, "", "", "bad", nil), services.KindValidation},
		{"not found", fmt.Errorf("lookup: %w", services.ErrNotFound), services.KindNotFound},
		{"timeout", services.Wrap(services.ErrTimeout, "run", "", "deadline", context.DeadlineExceeded), services.KindTimeout},
		{"other", errors.New("boom"), services.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.Kind(tt.err); got != tt.want {
				t.Fatalf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}
