package monitor

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dirsync/inventory"
)

func TestMonitorRescansOnTick(t *testing.T) {
	dir := t.TempDir()
	tracker := inventory.New(dir)
	logger := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(tracker, 30*time.Millisecond, logger)
	go m.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write new.txt: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(tracker.SendMetadataList()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("monitor never picked up new.txt via its periodic rescan")
}

func TestMonitorStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	tracker := inventory.New(dir)
	logger := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	m := New(tracker, 10*time.Millisecond, logger)

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after ctx was cancelled")
	}
}
