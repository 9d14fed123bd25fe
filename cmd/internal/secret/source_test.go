package secret

import (
	"bytes"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("MARKETCTL_TEST_SECRET", "from-env")
	src := NewSource("MARKETCTL_TEST_SECRET", "secret: ")
	src.isTTY = func(int) bool { t.Errorf("terminal must not be consulted"); return false }
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("unexpected secret %q", got)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("MARKETCTL_TEST_SECRET", "  ")
	if _, err := NewSource("MARKETCTL_TEST_SECRET", "").Get(); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}

func TestSourcePromptsOnTerminal(t *testing.T) {
	var prompt bytes.Buffer
	src := NewSource("", "HMAC secret: ")
	src.stderr = &prompt
	src.isTTY = func(int) bool { return true }
	calls := 0
	src.readPass = func(int) ([]byte, error) {
		calls++
		return []byte("typed"), nil
	}
	for i := 0; i < 2; i++ {
		got, err := src.Get()
		if err != nil || got != "typed" {
			t.Fatalf("unexpected result %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
	if prompt.String() != "HMAC secret: \n" {
		t.Fatalf("unexpected prompt output %q", prompt.String())
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := NewSource("", "")
	src.isTTY = func(int) bool { return false }
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected error without terminal")
	}
}
