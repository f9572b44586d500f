package worker

import (
	"errors"
	"fmt"
	"testing"
)

func TestTerminalMarking(t *testing.T) {
	base := errors.New("template gone")

	if !IsTerminal(Terminal(base)) {
		t.Fatal("terminal error not detected")
	}
	if IsTerminal(base) {
		t.Fatal("plain error detected as terminal")
	}
	if Terminal(nil) != nil {
		t.Fatal("Terminal(nil) must be nil")
	}

	// Marking survives wrapping and keeps the cause reachable.
	wrapped := fmt.Errorf("execute step: %w", Terminal(base))
	if !IsTerminal(wrapped) {
		t.Fatal("wrapped terminal error not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("cause lost through terminal marking")
	}
}
