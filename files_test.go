package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// waitUntil polls cond until it holds or the deadline passes. Used for
// the async cleanup paths that run off the caller's goroutine.
func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDeleteResult_String(t *testing.T) {
	tests := []struct {
		r    DeleteResult
		want string
	}{
		{DeleteDeleted, "deleted"},
		{DeleteNotFound, "not-found"},
		{DeleteFailed, "failed"},
		{DeleteResult(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("DeleteResult(%d).String() = %q, want %q", tt.r, got, tt.want)
		}
	}
}

func TestFileLifecycle_NewTempBase(t *testing.T) {
	files := NewFileLifecycle(t.TempDir())

	a := files.NewTempBase("source-1")
	b := files.NewTempBase("source-1")
	if a == b {
		t.Errorf("NewTempBase() returned the same path twice: %q", a)
	}
	if filepath.Dir(a) != files.Dir() {
		t.Errorf("temp base %q not under cache dir %q", a, files.Dir())
	}
	// Extensionless by contract, so variant globbing works.
	if name := filepath.Base(a); name != VariantRoot(name) {
		t.Errorf("temp base name %q contains a variant separator", name)
	}
}

func TestVariantRoot(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/cache/170_abcd.webm", "/cache/170_abcd"},
		{"/cache/170_abcd.webm.part", "/cache/170_abcd"},
		{"/cache/170_abcd.meta", "/cache/170_abcd"},
		{"/cache/170_abcd", "/cache/170_abcd"},
		{"170_abcd.opus", "170_abcd"},
	}
	for _, tt := range tests {
		if got := VariantRoot(tt.in); got != tt.want {
			t.Errorf("VariantRoot(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMetaPath(t *testing.T) {
	if got := MetaPath("/cache/170_abcd"); got != "/cache/170_abcd.meta" {
		t.Errorf("MetaPath() = %q, want /cache/170_abcd.meta", got)
	}
	// Derivable from any variant, not just the bare base.
	if got := MetaPath("/cache/170_abcd.webm"); got != "/cache/170_abcd.meta" {
		t.Errorf("MetaPath(variant) = %q, want /cache/170_abcd.meta", got)
	}
}

func TestFileLifecycle_Delete(t *testing.T) {
	files := NewFileLifecycle(t.TempDir())
	path := filepath.Join(files.Dir(), "one.webm")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if got := files.Delete(path); got != DeleteDeleted {
		t.Errorf("Delete() = %v, want deleted", got)
	}
	if got := files.Delete(path); got != DeleteNotFound {
		t.Errorf("Delete() on missing file = %v, want not-found", got)
	}
}

func TestFileLifecycle_DeleteVariants(t *testing.T) {
	files := NewFileLifecycle(t.TempDir())
	base := files.NewTempBase("src")
	other := files.NewTempBase("other")

	for _, p := range []string{base + ".webm", base + ".webm.part", base + ".meta", other + ".webm"} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if got := files.DeleteVariants(base); got != DeleteDeleted {
		t.Errorf("DeleteVariants() = %v, want deleted", got)
	}
	matches, _ := filepath.Glob(files.VariantGlob(base))
	if len(matches) != 0 {
		t.Errorf("variants still on disk: %v", matches)
	}
	// Unrelated roots are untouched.
	if _, err := os.Stat(other + ".webm"); err != nil {
		t.Errorf("sibling file removed: %v", err)
	}

	if got := files.DeleteVariants(base); got != DeleteNotFound {
		t.Errorf("DeleteVariants() second pass = %v, want not-found", got)
	}
}

func TestFileLifecycle_Sweep(t *testing.T) {
	files := NewFileLifecycle(t.TempDir())
	if err := os.WriteFile(filepath.Join(files.Dir(), "stale.webm"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	files.Sweep()

	entries, err := os.ReadDir(files.Dir())
	if err != nil {
		t.Fatalf("cache dir gone after sweep: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("cache dir has %d entries after sweep, want 0", len(entries))
	}
}

type countingCloser struct {
	closes atomic.Int32
}

func (c *countingCloser) Read(p []byte) (int, error) { return 0, nil }
func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

func TestCleanupCoordinator_OnItemFinished(t *testing.T) {
	files := NewFileLifecycle(t.TempDir())
	c := NewCleanupCoordinator(files, NewProcessRegistry(), nil, &Config{})

	c.OnItemFinished(nil) // nil-safe

	base := files.NewTempBase("src")
	for _, p := range []string{base + ".webm", base + ".meta"} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	closer := &countingCloser{}
	var canceled atomic.Int32
	tr := NewTrack(snowflake.ID(1), "https://youtu.be/AAAAAAAAAAA")
	tr.mu.Lock()
	tr.TempBase = base
	tr.Path = base + ".webm"
	tr.LiveStream = closer
	tr.cancel = func() { canceled.Add(1) }
	tr.mu.Unlock()

	// Skip path and natural-end path may race; only the first call does
	// the work.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.OnItemFinished(tr)
		}()
	}
	wg.Wait()

	if got := closer.closes.Load(); got != 1 {
		t.Errorf("payload reader closed %d times, want 1", got)
	}
	if got := canceled.Load(); got != 1 {
		t.Errorf("in-flight work canceled %d times, want 1", got)
	}
	tr.mu.Lock()
	stream, path := tr.LiveStream, tr.Path
	tr.mu.Unlock()
	if stream != nil || path != "" {
		t.Errorf("track still holds payload handles: stream=%v path=%q", stream, path)
	}
	waitUntil(t, 2*time.Second, func() bool {
		matches, _ := filepath.Glob(files.VariantGlob(base))
		return len(matches) == 0
	}, "track files not removed")
}

func TestCleanupCoordinator_OnSessionTeardown(t *testing.T) {
	setupTestDB(t)
	files := NewFileLifecycle(t.TempDir())
	c := NewCleanupCoordinator(files, NewProcessRegistry(), nil, &Config{})
	s := newTestSession(t)
	ctx := context.Background()

	cur := NewTrack(s.GuildID, "https://youtu.be/AAAAAAAAAAA")
	cur.Title = "Current"
	var streamStops atomic.Int32
	s.queueMu.Lock()
	s.currentTrack = cur
	s.queue = testTracks(s.GuildID, 2, "q")
	s.streamCancel = func() { streamStops.Add(1) }
	s.queueMu.Unlock()

	c.OnSessionTeardown(ctx, s)

	// Queue state survived into the snapshot store.
	snap, err := LoadQueueSnapshot(ctx, s.GuildID)
	if err != nil {
		t.Fatalf("LoadQueueSnapshot() error = %v", err)
	}
	if snap.NowPlaying == nil || snap.NowPlaying.Title != "Current" {
		t.Errorf("persisted NowPlaying = %+v, want title Current", snap.NowPlaying)
	}
	if len(snap.Queue) != 2 {
		t.Errorf("persisted queue = %d entries, want 2", len(snap.Queue))
	}

	if got := streamStops.Load(); got != 1 {
		t.Errorf("stream stopped %d times, want 1", got)
	}
	curAfter, q, _ := s.QueueState()
	if curAfter != nil || len(q) != 0 {
		t.Errorf("session still holds items after teardown: current=%v queue=%d", curAfter, len(q))
	}

	// Teardown runs once; a second call must not rewrite the snapshot.
	if err := ClearQueueSnapshot(ctx, s.GuildID); err != nil {
		t.Fatal(err)
	}
	c.OnSessionTeardown(ctx, s)
	snap, err = LoadQueueSnapshot(ctx, s.GuildID)
	if err != nil {
		t.Fatalf("LoadQueueSnapshot() error = %v", err)
	}
	if snap.NowPlaying != nil {
		t.Error("second teardown persisted a snapshot again")
	}

	c.OnSessionTeardown(ctx, nil) // nil-safe
}

func TestSnapshotSaver(t *testing.T) {
	var fired, stopped atomic.Int32
	active := newSnapshotSaver(func(snowflake.ID) { fired.Add(1) })
	canceled := newSnapshotSaver(func(snowflake.ID) { stopped.Add(1) })

	gid := snowflake.ID(1)
	// Rapid mutations collapse into one pending write.
	active.MarkDirty(gid)
	active.MarkDirty(gid)
	active.MarkDirty(gid)
	active.mu.Lock()
	pending := len(active.pending)
	active.mu.Unlock()
	if pending != 1 {
		t.Errorf("pending timers = %d, want 1", pending)
	}

	canceled.MarkDirty(gid)
	canceled.Stop()
	canceled.mu.Lock()
	pending = len(canceled.pending)
	canceled.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending timers after Stop = %d, want 0", pending)
	}

	// The debounce window is two seconds; wait past it once for both.
	time.Sleep(2500 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("save fired %d times for three dirty marks, want 1", got)
	}
	if got := stopped.Load(); got != 0 {
		t.Errorf("stopped saver fired %d times, want 0", got)
	}

	// A later mutation schedules a fresh write.
	active.MarkDirty(gid)
	active.mu.Lock()
	pending = len(active.pending)
	active.mu.Unlock()
	if pending != 1 {
		t.Errorf("pending timers after refire = %d, want 1", pending)
	}
	active.Stop()
}
