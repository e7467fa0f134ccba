package main

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Priority Queue for Downloads
// ===========================

type PriorityQueue []*Track

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].Priority > pq[j].Priority
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*Track)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// ===========================
// Preloader
// ===========================

const (
	preloadTTL        = 5 * time.Minute
	preloadSweepEvery = time.Minute
)

type preloadEntry struct {
	track   *Track
	created time.Time
}

// Preloader runs the fetch pipeline ahead of playback. It owns the
// shared download worker pool and a per-guild store of speculative
// payloads keyed by normalized query, so a play command that follows an
// autocomplete pick can start instantly.
type Preloader struct {
	fetch *MediaFetcher
	files *FileLifecycle
	cfg   *Config

	mu      sync.Mutex
	entries map[snowflake.ID]map[string]*preloadEntry

	downloadMu      sync.Mutex
	downloadCond    *sync.Cond
	pending         *PriorityQueue
	activeDownloads int

	ctx context.Context

	// OnEvict, when set, handles the full cleanup of a discarded
	// payload. Falls back to cancel + file release.
	OnEvict func(*Track)
}

func NewPreloader(cfg *Config, fetch *MediaFetcher, files *FileLifecycle) *Preloader {
	p := &Preloader{
		fetch:   fetch,
		files:   files,
		cfg:     cfg,
		entries: make(map[snowflake.ID]map[string]*preloadEntry),
		pending: &PriorityQueue{},
	}
	p.downloadCond = sync.NewCond(&p.downloadMu)
	return p
}

// Start launches the worker pool and the stale-entry sweeper. Both stop
// when ctx is canceled.
func (p *Preloader) Start(ctx context.Context) {
	p.ctx = ctx
	workers := p.cfg.PreloadWorkers
	if workers <= 0 {
		workers = 3
	}
	context.AfterFunc(ctx, func() {
		p.downloadCond.Broadcast()
	})
	safeGo(func() {
		p.downloadLoop(ctx, workers)
	})
	safeGo(func() {
		p.sweepLoop(ctx)
	})
}

func preloadKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Preload speculatively resolves and fetches a query for the guild. A
// repeat call while the first payload is in flight or still cached is a
// no-op, so bursty autocomplete traffic spawns one fetch at most.
func (p *Preloader) Preload(guildID snowflake.ID, query string) *Track {
	key := preloadKey(query)
	if key == "" {
		return nil
	}

	p.mu.Lock()
	g := p.entries[guildID]
	if g == nil {
		g = make(map[string]*preloadEntry)
		p.entries[guildID] = g
	}
	if e, ok := g[key]; ok && e.track.Error == nil {
		p.mu.Unlock()
		return e.track
	}
	t := NewTrack(guildID, query)
	t.Priority = 1
	g[key] = &preloadEntry{track: t, created: time.Now()}
	p.mu.Unlock()

	LogFetch("Preloading track: %s", query)
	p.Schedule(t)
	return t
}

// PreloadNext schedules the next item the session would play so its
// payload is ready before the current track ends.
func (p *Preloader) PreloadNext(s *GuildSession) {
	s.queueMu.Lock()
	var head *Track
	if len(s.queue) > 0 {
		head = s.queue[0]
	} else if s.Autoplay {
		head = s.autoplayTrack
	}
	s.queueMu.Unlock()

	if head == nil {
		return
	}
	p.Schedule(head)
}

// IsReady reports whether a payload already exists for the item. No
// I/O, no blocking.
func (p *Preloader) IsReady(t *Track) bool {
	return t != nil && t.Ready()
}

// Consume returns the stored payload for (guild, query) and clears it.
// A payload is handed out at most once; later calls return nil.
func (p *Preloader) Consume(guildID snowflake.ID, query string) *Track {
	key := preloadKey(query)

	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.entries[guildID]
	if g == nil {
		return nil
	}
	e, ok := g[key]
	if !ok {
		return nil
	}
	delete(g, key)
	if len(g) == 0 {
		delete(p.entries, guildID)
	}
	return e.track
}

// Evict discards the payload for (guild, query), canceling in-flight
// work and releasing its files.
func (p *Preloader) Evict(guildID snowflake.ID, query string) {
	key := preloadKey(query)

	p.mu.Lock()
	var track *Track
	if g := p.entries[guildID]; g != nil {
		if e, ok := g[key]; ok {
			delete(g, key)
			track = e.track
		}
		if len(g) == 0 {
			delete(p.entries, guildID)
		}
	}
	p.mu.Unlock()

	if track != nil {
		p.release(track)
	}
}

// EvictGuild discards every stored payload for the guild. Only the
// owning guild's partition is touched.
func (p *Preloader) EvictGuild(guildID snowflake.ID) {
	p.mu.Lock()
	g := p.entries[guildID]
	delete(p.entries, guildID)
	p.mu.Unlock()

	for _, e := range g {
		p.release(e.track)
	}
}

func (p *Preloader) release(t *Track) {
	if p.OnEvict != nil {
		p.OnEvict(t)
		return
	}
	t.Cancel()
	t.mu.Lock()
	base, path := t.TempBase, t.Path
	t.mu.Unlock()
	if base != "" {
		p.files.DeleteVariantsAsync(base)
	} else if path != "" {
		p.files.DeleteVariantsAsync(path)
	}
}

func (p *Preloader) sweepLoop(ctx context.Context) {
	tick := time.NewTicker(preloadSweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.sweep()
		}
	}
}

func (p *Preloader) sweep() {
	var stale []*Track
	now := time.Now()

	p.mu.Lock()
	for gid, g := range p.entries {
		for key, e := range g {
			if now.Sub(e.created) > preloadTTL {
				delete(g, key)
				stale = append(stale, e.track)
			}
		}
		if len(g) == 0 {
			delete(p.entries, gid)
		}
	}
	p.mu.Unlock()

	for _, t := range stale {
		LogFetch("Evicting stale preload: %s", t.Query)
		p.release(t)
	}
}

// ===========================
// Download Scheduler
// ===========================

// Schedule queues a track for background download. Tracks already
// downloaded, running, or waiting in the heap are left alone.
func (p *Preloader) Schedule(t *Track) {
	p.downloadMu.Lock()
	defer p.downloadMu.Unlock()

	if t == nil || t.Downloaded || t.Started || t.index != -1 {
		return
	}

	heap.Push(p.pending, t)
	p.downloadCond.Signal()
}

func (p *Preloader) downloadLoop(ctx context.Context, maxConcurrent int) {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: downloadLoop panic recovered: %v", r)
		}
	}()
	for {
		p.downloadMu.Lock()
		for p.pending.Len() == 0 || p.activeDownloads >= maxConcurrent {
			if ctx.Err() != nil {
				p.downloadMu.Unlock()
				return
			}
			p.downloadCond.Wait()
		}
		if ctx.Err() != nil {
			p.downloadMu.Unlock()
			return
		}

		item := heap.Pop(p.pending)
		t := item.(*Track)
		p.activeDownloads++
		p.downloadMu.Unlock()

		go func(track *Track) {
			defer func() {
				p.downloadMu.Lock()
				p.activeDownloads--
				p.downloadCond.Signal()
				p.downloadMu.Unlock()
			}()

			track.mu.Lock()
			if track.Started {
				track.mu.Unlock()
				return
			}
			track.Started = true
			track.mu.Unlock()

			p.fetchTrack(ctx, track)
		}(t)
	}
}

func (p *Preloader) fetchTrack(ctx context.Context, t *Track) {
	dctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	if err := p.fetch.Resolve(dctx, t.GuildID, t); err != nil {
		t.MarkError(err)
		return
	}

	safeGo(func() {
		p.fetch.EnrichArtwork(ctx, t.GuildID, t)
	})

	p.fetch.Fetch(dctx, t.GuildID, t)
}
