package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncHandlerWritesFileAndStdout(t *testing.T) {
	dir := t.TempDir()
	out := &lockedBuffer{}
	h := newAsyncHandler(dir, slog.LevelInfo, out)
	log := slog.New(h).With("server", "a1").WithGroup("listener")

	log.Debug("hidden")
	log.Info("listening", "channel", "backplane_all")
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// writes after close are dropped rather than panicking
	log.Info("late")

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for _, content := range []string{string(data), out.String()} {
		if !strings.Contains(content, "listening") || !strings.Contains(content, "listener.channel=backplane_all") {
			t.Errorf("missing record in %q", content)
		}
		if !strings.Contains(content, "server=a1") {
			t.Errorf("missing handler attrs in %q", content)
		}
		if strings.Contains(content, "hidden") || strings.Contains(content, "late") {
			t.Errorf("unexpected record in %q", content)
		}
	}
}

func TestShutdownCallbackIdempotent(t *testing.T) {
	cb := &ShutdownCallback{handler: newAsyncHandler(t.TempDir(), slog.LevelDebug, &lockedBuffer{})}
	if err := cb.Invoke(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := cb.Invoke(context.Background()); err != nil {
		t.Fatal(err)
	}
}
