package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// File Lifecycle
// ===========================

const AudioCacheDir = ".tracks"

// DeleteResult reports what a removal attempt actually did.
type DeleteResult int

const (
	DeleteDeleted DeleteResult = iota
	DeleteNotFound
	DeleteFailed
)

func (r DeleteResult) String() string {
	switch r {
	case DeleteDeleted:
		return "deleted"
	case DeleteNotFound:
		return "not-found"
	case DeleteFailed:
		return "failed"
	}
	return "unknown"
}

// FileLifecycle owns every media file under the audio cache directory:
// naming, sidecar variants and removal.
type FileLifecycle struct {
	dir string
}

func NewFileLifecycle(dir string) *FileLifecycle {
	if dir == "" {
		dir = AudioCacheDir
	}
	_ = os.MkdirAll(dir, 0755)
	return &FileLifecycle{dir: dir}
}

func (f *FileLifecycle) Dir() string {
	return f.dir
}

// Sweep wipes and recreates the cache directory. Run once at startup so
// leftovers from a previous run never accumulate.
func (f *FileLifecycle) Sweep() {
	if err := os.RemoveAll(f.dir); err != nil {
		LogVoice("Failed to clean audio cache: %v", err)
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		LogVoice("Failed to create audio cache dir: %v", err)
	}
}

// NewTempBase returns a fresh extensionless path root for one fetch.
// The name combines a timestamp, a random component and a short hash of
// the discriminator, so concurrent fetches for the same source never
// collide.
func (f *FileLifecycle) NewTempBase(discriminator string) string {
	sum := sha256.Sum256([]byte(discriminator))
	name := fmt.Sprintf("%d_%08x_%s", time.Now().UnixNano(), rand.Uint32(), hex.EncodeToString(sum[:4]))
	return filepath.Join(f.dir, name)
}

// VariantRoot reduces any path derived from a temp base (media file,
// .part, .meta) back to that base. Pure function of its input.
func VariantRoot(path string) string {
	dir, name := filepath.Split(path)
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	return dir + name
}

// VariantGlob returns the pattern matching every file derivable from
// the given path's root name.
func (f *FileLifecycle) VariantGlob(path string) string {
	return VariantRoot(path) + "*"
}

func MetaPath(base string) string {
	return VariantRoot(base) + ".meta"
}

// Delete removes one file with bounded retries. Transient failures
// (still-open handles, slow filesystems) are retried with doubling
// backoff before giving up.
func (f *FileLifecycle) Delete(path string) DeleteResult {
	backoff := 150 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err := os.Remove(path)
		if err == nil {
			return DeleteDeleted
		}
		if os.IsNotExist(err) {
			return DeleteNotFound
		}
	}
	return DeleteFailed
}

// DeleteVariants removes the file and every sidecar sharing its root
// name. The worst individual outcome wins.
func (f *FileLifecycle) DeleteVariants(path string) DeleteResult {
	matches, err := filepath.Glob(f.VariantGlob(path))
	if err != nil || len(matches) == 0 {
		return DeleteNotFound
	}

	result := DeleteNotFound
	for _, m := range matches {
		switch f.Delete(m) {
		case DeleteFailed:
			result = DeleteFailed
		case DeleteDeleted:
			if result != DeleteFailed {
				result = DeleteDeleted
			}
		}
	}
	return result
}

// DeleteVariantsAsync runs DeleteVariants off the caller's goroutine.
// Cleanup must never block a user command on filesystem retries.
func (f *FileLifecycle) DeleteVariantsAsync(path string) {
	safeGo(func() {
		size := int64(0)
		if st, err := os.Stat(path); err == nil {
			size = st.Size()
		}
		switch f.DeleteVariants(path) {
		case DeleteDeleted:
			LogVoice("Cleaned up track file: %s (Size: %d bytes)", path, size)
		case DeleteFailed:
			LogVoice("Failed to remove track file %s after retries", path)
		}
	})
}

// ===========================
// Cleanup Coordinator
// ===========================

// CleanupCoordinator runs the ordered teardown steps for finished items
// and dying sessions. Every entry point tolerates being called more
// than once.
type CleanupCoordinator struct {
	files   *FileLifecycle
	procs   *ProcessRegistry
	preload *Preloader
	cfg     *Config
}

func NewCleanupCoordinator(files *FileLifecycle, procs *ProcessRegistry, preload *Preloader, cfg *Config) *CleanupCoordinator {
	return &CleanupCoordinator{
		files:   files,
		procs:   procs,
		preload: preload,
		cfg:     cfg,
	}
}

// OnItemFinished releases everything one queue item holds: its in-flight
// work, its payload reader and its files. Safe to call from the skip
// path and the natural-end path at the same time; only the first call
// does work.
func (c *CleanupCoordinator) OnItemFinished(t *Track) {
	if t == nil {
		return
	}
	t.cleanupOnce.Do(func() {
		// 1. Cancel any in-flight fetch or stream for the item
		t.Cancel()

		// 2. Close a live payload reader if one is attached
		t.mu.Lock()
		stream := t.LiveStream
		path := t.Path
		base := t.TempBase
		t.LiveStream = nil
		t.Path = ""
		t.mu.Unlock()

		if cl, ok := stream.(io.Closer); ok {
			_ = cl.Close()
		}

		// 3. Remove the media file and every variant of its root name
		root := base
		if root == "" {
			root = path
		}
		if root != "" {
			c.files.DeleteVariantsAsync(root)
		}
	})
}

// OnSessionTeardown runs the full ordered teardown for a guild session:
// persist the queue, stop streaming, reap helper processes, drop
// preloads and release every item's files.
func (c *CleanupCoordinator) OnSessionTeardown(ctx context.Context, s *GuildSession) {
	if s == nil {
		return
	}
	s.teardownOnce.Do(func() {
		guild := s.GuildID

		// 1. Persist the queue so it can be restored later
		if snap := s.Snapshot(); snap != nil {
			if err := SaveQueueSnapshot(ctx, guild, snap); err != nil {
				LogVoice("Failed to persist queue for guild %s: %v", guild, err)
			}
		}

		// 2. Stop the active stream
		s.stopStream()

		// 3. Reap helper processes
		c.procs.KillAll(guild)

		// 4. Drop preloaded payloads owned by the guild
		if c.preload != nil {
			c.preload.EvictGuild(guild)
		}

		// 5. Release every remaining item
		for _, t := range s.detachAllTracks() {
			c.OnItemFinished(t)
		}

		if c.cfg != nil && c.cfg.GCAfterCleanup {
			debug.FreeOSMemory()
		}
	})
}

// markQueueDirty schedules a debounced snapshot write. Rapid queue
// mutations collapse into one persistence pass.
type snapshotSaver struct {
	mu      sync.Mutex
	pending map[snowflake.ID]*time.Timer
	save    func(guild snowflake.ID)
}

func newSnapshotSaver(save func(guild snowflake.ID)) *snapshotSaver {
	return &snapshotSaver{
		pending: make(map[snowflake.ID]*time.Timer),
		save:    save,
	}
}

func (w *snapshotSaver) MarkDirty(guild snowflake.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[guild]; ok {
		return
	}
	w.pending[guild] = time.AfterFunc(2*time.Second, func() {
		w.mu.Lock()
		delete(w.pending, guild)
		w.mu.Unlock()
		w.save(guild)
	})
}

func (w *snapshotSaver) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for g, t := range w.pending {
		t.Stop()
		delete(w.pending, g)
	}
}
