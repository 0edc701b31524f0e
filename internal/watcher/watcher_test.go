package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDebounceCollapsesBurst(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.md")
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New(root, WithDebounce(80*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	<-w.Ready()

	const n = 10
	for i := 0; i < n; i++ {
		if err := os.WriteFile(path, []byte("burst"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != "a.md" {
			t.Fatalf("event path = %q; want a.md", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one collapsed event")
	}

	// A burst of N writes within the debounce window must produce strictly
	// fewer than N events; give any further debounce timers a chance to
	// fire and confirm none do.
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected second event %+v; burst should have collapsed", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestIgnoredPathsProduceNoEvents(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, WithDebounce(30*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	<-w.Ready()

	if err := os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for ignored path: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDefaultIgnore(t *testing.T) {
	cases := map[string]bool{
		"a.md":                 false,
		".git/HEAD":            true,
		"node_modules/x/y.js":  true,
		"skills/a.conflict.md": true,
		"skills/a.conflict":    true,
		"skills/a/SKILL.md":    false,
	}
	for path, want := range cases {
		if got := DefaultIgnore(path); got != want {
			t.Errorf("DefaultIgnore(%q) = %v; want %v", path, got, want)
		}
	}
}
