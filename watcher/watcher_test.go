package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	got := make(chan string, 4)

	w, err := New(dir, 100*time.Millisecond, func(path string) {
		calls.Add(1)
		got <- path
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	target := filepath.Join(dir, "demo.so")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(target, []byte("build"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case path := <-got:
		if path != target {
			t.Errorf("path = %q, want %q", path, target)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}

	// Give any spurious extra notifications time to arrive.
	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("onChange called %d times, want 1", n)
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 1)

	w, err := New(dir, 50*time.Millisecond, func(path string) { got <- path })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case path := <-got:
		t.Fatalf("unexpected notification for %q", path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherRejectsNilCallback(t *testing.T) {
	if _, err := New(t.TempDir(), 0, nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
}

func TestWatcherCloseStopsNotifications(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 1)

	w, err := New(dir, 50*time.Millisecond, func(path string) { got <- path })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "late.so"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case path := <-got:
		t.Fatalf("notification after close for %q", path)
	case <-time.After(300 * time.Millisecond):
	}
}
