package services_test

import (
	"errors"
	"strings"
	"testing"

	"renderq/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrUnreachable, "comfy", "submit", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrUnreachable) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"comfy", "submit", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	rejected := services.Wrap(services.ErrSubmissionRejected, "comfy", "submit", "bad node", nil)
	if services.Retryable(rejected) {
		t.Fatal("expected rejected submission to be deterministic")
	}

	unreachable := services.Wrap(services.ErrUnreachable, "comfy", "submit", "connect", errors.New("refused"))
	if !services.Retryable(unreachable) {
		t.Fatal("expected unreachable backend to be retryable")
	}

	if services.Retryable(nil) {
		t.Fatal("expected nil to be non-retryable")
	}
}
