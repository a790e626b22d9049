package cliconfig

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func TestWatcher_ReloadsDynamicSettings(t *testing.T) {
	path := writeTempConfig(t, "log_level = \"info\"\nqueue_capacity = 100\n")

	var mu sync.Mutex
	var got []Reload
	onReload := func(r Reload) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}

	w := NewWatcher(path, 20*time.Millisecond, Reload{LogLevel: "info", QueueCapacity: 100}, onReload, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("log_level = \"debug\"\nqueue_capacity = 500\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reload callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	last := got[len(got)-1]
	if last.LogLevel != "debug" || last.QueueCapacity != 500 {
		t.Errorf("reload = %+v, want debug/500", last)
	}
}

func TestWatcher_UnchangedFileDoesNotFire(t *testing.T) {
	content := "log_level = \"info\"\nqueue_capacity = 100\n"
	path := writeTempConfig(t, content)

	var mu sync.Mutex
	fired := 0
	onReload := func(Reload) {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	w := NewWatcher(path, 10*time.Millisecond, Reload{LogLevel: "info", QueueCapacity: 100}, onReload, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer w.Stop()

	// Rewriting identical content triggers events but no semantic change.
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Errorf("reload fired %d times for an unchanged file", fired)
	}
}
