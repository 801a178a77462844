package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestDiscardDropsEverything(t *testing.T) {
	l := Discard()
	if l.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should report all levels disabled")
	}
	// Must not panic.
	l.Info("ignored", "k", "v")
	l.With("a", 1).WithGroup("g").Error("also ignored")
}

func TestDefault(t *testing.T) {
	real := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	if got := Default(real); got != real {
		t.Error("Default should return the provided logger unchanged")
	}
	if got := Default(nil); got == nil {
		t.Error("Default(nil) should return a discard logger, not nil")
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
