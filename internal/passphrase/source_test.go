package passphrase

import (
	"bytes"
	"strings"
	"testing"
)

func envOnly(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestSourceUsesEnvironment(t *testing.T) {
	src := NewSource("STAKE_PASS")
	src.lookupEnv = envOnly(map[string]string{"STAKE_PASS": " secret "})
	src.isTerminal = func() bool { t.Fatalf("terminal should not be consulted"); return false }

	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != " secret " {
		t.Fatalf("expected exact env value, got %q", got)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	src := NewSource("STAKE_PASS")
	src.lookupEnv = envOnly(map[string]string{"STAKE_PASS": "   "})
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected error for blank passphrase")
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := NewSource("STAKE_PASS")
	src.lookupEnv = envOnly(nil)
	src.isTerminal = func() bool { return false }
	_, err := src.Get()
	if err == nil || !strings.Contains(err.Error(), "STAKE_PASS") {
		t.Fatalf("expected hint naming the env var, got %v", err)
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	var prompt bytes.Buffer
	reads := 0
	src := NewLabeledSource("", "pool keystore")
	src.lookupEnv = envOnly(nil)
	src.isTerminal = func() bool { return true }
	src.prompt = &prompt
	src.readSecret = func() ([]byte, error) {
		reads++
		return []byte("hunter2"), nil
	}

	for i := 0; i < 2; i++ {
		got, err := src.Get()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != "hunter2" {
			t.Fatalf("unexpected passphrase %q", got)
		}
	}
	if reads != 1 {
		t.Fatalf("expected a single prompt, got %d", reads)
	}
	if !strings.Contains(prompt.String(), "pool keystore") {
		t.Fatalf("prompt missing label: %q", prompt.String())
	}
}
