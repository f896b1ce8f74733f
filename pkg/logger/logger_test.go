package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("Test")
	l.SetOutput(&buf)
	l.SetLevel(WARN)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("INFO line should be filtered at WARN level")
	}
	if !strings.Contains(out, "[WARN] [Test] shown 2") {
		t.Errorf("Unexpected output: %q", out)
	}
}

func TestWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New("Node")
	l.SetOutput(&buf)
	l.With("Share").Info("ready")

	if !strings.Contains(buf.String(), "[Node/Share] ready") {
		t.Errorf("Unexpected output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"WARN":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
