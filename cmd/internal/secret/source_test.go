package secret

import (
	"errors"
	"testing"
)

func TestSourcePrefersExplicitValue(t *testing.T) {
	t.Setenv("PAYERX_TEST_KEY", "from-env")
	src := NewSource("  from-flag ", "PAYERX_TEST_KEY", "API key")
	src.Prompt = func(string) (string, error) {
		t.Fatalf("unexpected prompt")
		return "", nil
	}
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-flag" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestSourceFallsBackToEnvThenPrompt(t *testing.T) {
	t.Setenv("PAYERX_TEST_KEY", "from-env")
	src := NewSource("", "PAYERX_TEST_KEY", "API key")
	if got, err := src.Get(); err != nil || got != "from-env" {
		t.Fatalf("env lookup: %q %v", got, err)
	}

	calls := 0
	prompted := NewSource("", "PAYERX_TEST_KEY_UNSET", "API key")
	prompted.Prompt = func(label string) (string, error) {
		calls++
		if label != "API key" {
			t.Fatalf("unexpected label %q", label)
		}
		return "typed", nil
	}
	for i := 0; i < 2; i++ {
		got, err := prompted.Get()
		if err != nil || got != "typed" {
			t.Fatalf("prompt lookup: %q %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
}

func TestSourceRejectsEmptyValues(t *testing.T) {
	t.Setenv("PAYERX_TEST_KEY", "   ")
	if _, err := NewSource("", "PAYERX_TEST_KEY", "API key").Get(); err == nil {
		t.Fatalf("expected empty env error")
	}

	src := NewSource("", "PAYERX_TEST_KEY_UNSET", "API key")
	src.Prompt = func(string) (string, error) { return " ", nil }
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected empty prompt error")
	}

	failing := NewSource("", "PAYERX_TEST_KEY_UNSET", "API key")
	boom := errors.New("no tty")
	failing.Prompt = func(string) (string, error) { return "", boom }
	if _, err := failing.Get(); !errors.Is(err, boom) {
		t.Fatalf("expected prompt error, got %v", err)
	}
}
