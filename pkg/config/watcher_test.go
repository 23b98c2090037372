package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watchedManifest = `
name: physics
tick_rate: %s
stages:
  - name: update
    systems:
      - label: drag
        kind: starlark
        source: scripts/drag.star
        writes_resources: [Drag]
`

func writeWatchedManifest(t *testing.T, dir, tickRate string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0755); err != nil {
		t.Fatalf("Failed to create scripts dir: %v", err)
	}
	script := filepath.Join(dir, "scripts", "drag.star")
	if _, err := os.Stat(script); os.IsNotExist(err) {
		if err := os.WriteFile(script, []byte("def run(world):\n    pass\n"), 0644); err != nil {
			t.Fatalf("Failed to write script: %v", err)
		}
	}

	path := filepath.Join(dir, "manifest.yaml")
	content := []byte(fmt.Sprintf(watchedManifest, tickRate))
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	return path
}

func startWatcher(t *testing.T, path string) *Watcher {
	t.Helper()

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	w, err := NewWatcher(path, m, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func nextUpdate(t *testing.T, w *Watcher) Update {
	t.Helper()

	select {
	case u, ok := <-w.Updates():
		if !ok {
			t.Fatal("Updates channel closed")
		}
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for manifest update")
	}
	return Update{}
}

func TestWatcher_ReloadsOnManifestChange(t *testing.T) {
	dir := t.TempDir()
	path := writeWatchedManifest(t, dir, "16ms")
	w := startWatcher(t, path)

	writeWatchedManifest(t, dir, "40ms")

	u := nextUpdate(t, w)
	if u.Err != nil {
		t.Fatalf("Expected no error, got: %v", u.Err)
	}
	if u.Manifest.TickInterval() != 40*time.Millisecond {
		t.Errorf("Expected tick interval 40ms, got %v", u.Manifest.TickInterval())
	}
}

func TestWatcher_ReloadsOnScriptChange(t *testing.T) {
	dir := t.TempDir()
	path := writeWatchedManifest(t, dir, "16ms")
	w := startWatcher(t, path)

	script := filepath.Join(dir, "scripts", "drag.star")
	if err := os.WriteFile(script, []byte("def run(world):\n    world.set(\"Drag\", 1)\n"), 0644); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	u := nextUpdate(t, w)
	if u.Err != nil {
		t.Fatalf("Expected no error, got: %v", u.Err)
	}
	if u.Manifest.Name != "physics" {
		t.Errorf("Expected manifest 'physics', got %q", u.Manifest.Name)
	}
}

func TestWatcher_DeliversLoadErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeWatchedManifest(t, dir, "16ms")
	w := startWatcher(t, path)

	if err := os.WriteFile(path, []byte("name: physics\nstages: []\n"), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	u := nextUpdate(t, w)
	if u.Err == nil {
		t.Fatal("Expected reload error")
	}
	if u.Manifest != nil {
		t.Error("Expected no manifest with a reload error")
	}
}

func TestWatcher_IgnoresUntrackedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeWatchedManifest(t, dir, "16ms")
	w := startWatcher(t, path)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	select {
	case u := <-w.Updates():
		t.Fatalf("Expected no update, got: %+v", u)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSourceFiles(t *testing.T) {
	m := &Manifest{
		Path: filepath.Join("/srv", "froyo", "manifest.cue"),
		Stages: []StageConfig{{
			Name: "update",
			Systems: []SystemConfig{
				{Label: "a", Kind: KindNative, Ref: "physics.move"},
				{Label: "b", Kind: KindLua, Source: "scripts/b.lua"},
				{Label: "c", Kind: KindWASM, Source: "/opt/c.wasm"},
			},
		}},
	}

	files := SourceFiles(m)
	if len(files) != 2 {
		t.Fatalf("Expected 2 source files, got %v", files)
	}
	if files[0] != filepath.Join("/srv", "froyo", "scripts", "b.lua") {
		t.Errorf("Unexpected relative resolution: %s", files[0])
	}
	if files[1] != "/opt/c.wasm" {
		t.Errorf("Expected absolute path unchanged, got %s", files[1])
	}
}
