package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ===========================
// Queue Operations
// ===========================

// queueWindow caps how many queue items stay materialized in memory.
// Everything past the window lives in the overflow store and is paged
// back in as the window drains.
const queueWindow = 100

// queueTracks inserts tracks into the logical queue. A play request
// never preempts the active track: "next" and positional inserts land
// in the in-memory window, plain appends spill to the overflow store
// once the window is full or already backed by overflow rows.
func (s *GuildSession) queueTracks(ctx context.Context, tracks []*Track, mode string, pos int) {
	s.queueMu.Lock()

	var spill []*Track
	switch {
	case mode == "next":
		s.queue = append(append([]*Track(nil), tracks...), s.queue...)
	case pos > 0:
		idx := pos - 1
		if idx >= len(s.queue) {
			s.queue = append(s.queue, tracks...)
		} else {
			newQueue := make([]*Track, 0, len(s.queue)+len(tracks))
			newQueue = append(newQueue, s.queue[:idx]...)
			newQueue = append(newQueue, tracks...)
			newQueue = append(newQueue, s.queue[idx:]...)
			s.queue = newQueue
		}
	default:
		free := queueWindow - len(s.queue)
		if s.overflowTotal > 0 {
			// the overflow store holds the tail; appending in memory
			// would jump the line
			free = 0
		}
		if free < 0 {
			free = 0
		}
		if free > len(tracks) {
			free = len(tracks)
		}
		s.queue = append(s.queue, tracks[:free]...)
		spill = tracks[free:]
	}

	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	s.queueMu.Unlock()

	if len(spill) > 0 {
		sts := make([]SnapshotTrack, len(spill))
		for i, t := range spill {
			sts[i] = t.Descriptor()
		}
		if err := PushOverflow(ctx, s.GuildID, sts); err != nil {
			LogVoice("Failed to spill %d track(s) to overflow for guild %s: %v", len(sts), s.GuildID, err)
			s.queueMu.Lock()
			s.queue = append(s.queue, spill...)
			s.queueMu.Unlock()
		} else {
			s.queueMu.Lock()
			s.overflowTotal += len(spill)
			s.queueMu.Unlock()
		}
	}

	if s.markDirty != nil {
		s.markDirty()
	}
}

// refillFromOverflow pages persisted queue rows back into memory once
// the in-memory window runs dry. Returns how many items came back.
func (s *GuildSession) refillFromOverflow(ctx context.Context) int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if len(s.queue) > 0 || s.overflowTotal <= 0 {
		return 0
	}
	sts, err := PopOverflow(ctx, s.GuildID, queueWindow)
	if err != nil {
		LogVoice("Failed to page queue overflow for guild %s: %v", s.GuildID, err)
		return 0
	}
	for _, st := range sts {
		s.queue = append(s.queue, trackFromSnapshot(s.GuildID, st))
	}
	s.overflowTotal -= len(sts)
	if s.overflowTotal < 0 {
		s.overflowTotal = 0
	}
	if len(sts) > 0 {
		LogVoice("Paged %d track(s) from overflow for guild %s (%d remaining)", len(sts), s.GuildID, s.overflowTotal)
		select {
		case s.queueUpdate <- struct{}{}:
		default:
		}
	}
	return len(sts)
}

// QueueState returns the current track, a copy of the in-memory window
// and the number of items still parked in the overflow store.
func (s *GuildSession) QueueState() (*Track, []*Track, int) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q := make([]*Track, len(s.queue))
	copy(q, s.queue)
	return s.currentTrack, q, s.overflowTotal
}

// trackIdentity keys an item for cross-store dedup. Canonical source ID
// first, then URL; titles are not unique across sources and would merge
// distinct songs.
func trackIdentity(sourceID, u, query string) string {
	if sourceID != "" {
		return "id:" + sourceID
	}
	if u != "" {
		return "url:" + u
	}
	return "q:" + strings.ToLower(strings.TrimSpace(query))
}

// Shuffle reorders the whole logical queue. In-memory items and
// overflow rows are merged first so every item has the same odds of
// landing anywhere; overflow rows that duplicate an in-memory item are
// dropped during the merge. Items shuffled out of the window release
// their payloads and survive as descriptors only.
func (s *GuildSession) Shuffle(ctx context.Context) (int, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	over, err := OverflowAll(ctx, s.GuildID)
	if err != nil {
		return 0, err
	}

	type entry struct {
		live *Track
		st   SnapshotTrack
	}

	seen := make(map[string]bool, len(s.queue))
	entries := make([]entry, 0, len(s.queue)+len(over))
	for _, t := range s.queue {
		seen[trackIdentity(t.SourceID, t.URL, t.Query)] = true
		entries = append(entries, entry{live: t})
	}
	for _, st := range over {
		if seen[trackIdentity(st.SourceID, st.URL, st.Query)] {
			continue
		}
		entries = append(entries, entry{st: st})
	}

	if len(entries) < 2 {
		return len(entries), errors.New("queue too short to shuffle")
	}

	rand.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	window := len(entries)
	if window > queueWindow {
		window = queueWindow
	}

	rest := make([]SnapshotTrack, 0, len(entries)-window)
	for _, e := range entries[window:] {
		if e.live != nil {
			rest = append(rest, e.live.Descriptor())
		} else {
			rest = append(rest, e.st)
		}
	}
	if err := ReplaceOverflow(ctx, s.GuildID, rest); err != nil {
		return 0, err
	}

	newQueue := make([]*Track, 0, window)
	for _, e := range entries[:window] {
		if e.live != nil {
			newQueue = append(newQueue, e.live)
		} else {
			newQueue = append(newQueue, trackFromSnapshot(s.GuildID, e.st))
		}
	}
	for _, e := range entries[window:] {
		if e.live == nil {
			continue
		}
		if s.cleanup != nil {
			s.cleanup.OnItemFinished(e.live)
		} else {
			e.live.Cancel()
		}
	}

	s.queue = newQueue
	s.overflowTotal = len(rest)
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	if s.markDirty != nil {
		s.markDirty()
	}
	return len(entries), nil
}

// Snapshot captures the persistable queue state: descriptors only,
// never payload handles. Nil when there is nothing worth saving.
func (s *GuildSession) Snapshot() *QueueSnapshot {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if s.currentTrack == nil && len(s.queue) == 0 && s.overflowTotal == 0 {
		return nil
	}
	snap := &QueueSnapshot{OverflowTotal: s.overflowTotal}
	if s.currentTrack != nil {
		d := s.currentTrack.Descriptor()
		snap.NowPlaying = &d
	}
	for _, t := range s.queue {
		snap.Queue = append(snap.Queue, t.Descriptor())
	}
	return snap
}

// detachAllTracks empties the session and returns every item it held so
// the caller can release them.
func (s *GuildSession) detachAllTracks() []*Track {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	out := make([]*Track, 0, len(s.queue)+2)
	if s.currentTrack != nil {
		out = append(out, s.currentTrack)
		s.currentTrack = nil
	}
	if s.autoplayTrack != nil {
		out = append(out, s.autoplayTrack)
		s.autoplayTrack = nil
	}
	out = append(out, s.queue...)
	s.queue = nil
	return out
}

// RestoreQueue loads the persisted snapshot back into the live queue.
// The previously playing item comes back as the queue head.
func (s *GuildSession) RestoreQueue(ctx context.Context) (int, error) {
	snap, err := LoadQueueSnapshot(ctx, s.GuildID)
	if err != nil {
		return 0, err
	}
	if snap.NowPlaying == nil && len(snap.Queue) == 0 && snap.OverflowTotal == 0 {
		return 0, nil
	}

	var restored []*Track
	if snap.NowPlaying != nil {
		restored = append(restored, trackFromSnapshot(s.GuildID, *snap.NowPlaying))
	}
	for _, st := range snap.Queue {
		restored = append(restored, trackFromSnapshot(s.GuildID, st))
	}

	s.queueMu.Lock()
	s.queue = append(restored, s.queue...)
	s.overflowTotal = snap.OverflowTotal
	n := len(restored) + snap.OverflowTotal
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	s.queueMu.Unlock()

	_ = ClearQueueSnapshot(ctx, s.GuildID)
	if s.markDirty != nil {
		s.markDirty()
	}
	return n, nil
}

// Skip ends the active track; the queue engine advances on its own. A
// skip during loading kills the pending fetch so its result is
// discarded instead of starting late.
func (s *GuildSession) Skip() (string, error) {
	s.queueMu.Lock()
	if s.transcoder == nil && s.currentTrack == nil {
		s.queueMu.Unlock()
		return "", ErrNoActiveSession
	}
	// Prevent looping for this specific track if it was going to loop
	s.skipLoop = true

	title := "Track"
	if s.currentTrack != nil {
		title = s.currentTrack.Title
		if title == "" {
			title = s.currentTrack.URL
		}
	}

	cur := s.currentTrack
	tr := s.transcoder
	cancel := s.streamCancel
	s.queueMu.Unlock()

	// Invalidate the running attempt so a payload that arrives after
	// this point is recognized as stale and discarded.
	s.beginPlayback()

	if tr == nil && cur != nil && !cur.Ready() {
		cur.MarkError(fmt.Errorf("skipped while loading: %w", context.Canceled))
		cur.Cancel()
	}
	if cancel != nil {
		cancel()
	}

	return title, nil
}

// Stop ends playback and shuts the session engine down. Item and file
// cleanup runs through the cleanup coordinator afterwards.
func (s *GuildSession) Stop() {
	s.queueMu.Lock()
	s.skipLoop = true
	s.queueMu.Unlock()

	s.beginPlayback()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.stopStream()

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(nil)
		s.setSpeakingSafe(0)
	}
	s.setState(StateIdle)
}

// Seek moves playback by a relative duration. A target beyond the
// buffered range of a still-downloading track restarts the download at
// the target offset and re-points the live reader at the new fragment.
func (s *GuildSession) Seek(duration time.Duration) error {
	s.queueMu.Lock()
	if s.transcoder == nil {
		s.queueMu.Unlock()
		return fmt.Errorf("%w: not playing or transcoding", ErrNoActiveSession)
	}
	tr := s.transcoder
	cur := s.currentTrack
	s.queueMu.Unlock()

	if cur == nil {
		return fmt.Errorf("%w: no active track", ErrNoActiveSession)
	}

	cur.mu.Lock()
	trackDuration := cur.Duration
	downloaded := cur.Downloaded
	totalSize := cur.TotalSize
	written := cur.WrittenBytes
	cur.mu.Unlock()

	current := tr.GetTimestamp()
	offset := int64(duration.Milliseconds()) * 48
	targetSamples := current + offset
	if targetSamples < 0 {
		targetSamples = 0
	}
	if trackDuration > 0 {
		maxSamples := int64(trackDuration.Seconds() * 48000)
		if targetSamples > maxSamples {
			targetSamples = maxSamples
		}
	}

	targetMs := targetSamples / 48
	targetDuration := time.Duration(targetMs) * time.Millisecond

	if !downloaded && totalSize > 0 && trackDuration > 0 {
		bufferedMs := (float64(written) / float64(totalSize)) * float64(trackDuration.Milliseconds())
		if float64(targetMs) > bufferedMs || targetMs < 0 {
			LogVoice("Smart Seek: Target %v beyond buffer (~%vms). Restarting stream...", targetDuration, int64(bufferedMs))

			cur.mu.Lock()
			if cur.downloadCancel != nil {
				cur.downloadCancel()
			}
			cur.SeekOffset = targetDuration
			if trackDuration > 0 && totalSize > 0 {
				cur.WrittenBytes = int64((float64(targetMs) / float64(trackDuration.Milliseconds())) * float64(totalSize))
			} else {
				cur.WrittenBytes = 0
			}
			cur.mu.Unlock()

			partPath, created := s.fetch.FetchFragment(s.cancelCtx, s.GuildID, cur)

			select {
			case <-created:
			case <-time.After(5 * time.Second):
				return errors.New("timeout waiting for seek stream")
			}

			if reader, ok := tr.reader.(*TailingReader); ok {
				if err := reader.SwitchFile(partPath); err != nil {
					return err
				}
			}

			tr.Seek(targetSamples, 0)
			return nil
		}
	}

	_, err := tr.Seek(targetSamples, 0)
	return err
}
