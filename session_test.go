package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// newTestSession builds a session the way newSession does, minus the
// Discord client, the voice connection and the background status
// manager. Tests that exercise the op queue start opsLoop themselves.
func newTestSession(t *testing.T) *GuildSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &GuildSession{
		GuildID:     snowflake.ID(900000000000000001),
		cancelCtx:   ctx,
		cancelFunc:  cancel,
		queue:       make([]*Track, 0),
		statusChan:  make(chan string, 10),
		queueUpdate: make(chan struct{}, 1),
		joinedChan:  make(chan struct{}),
		pauseChan:   make(chan struct{}),
		ops:         make(chan sessionOp),
		IDFStats:    make(map[string]int),
	}
	s.Volume.Store(100)
	s.encodeVolume.Store(100)
	close(s.pauseChan)
	t.Cleanup(cancel)
	return s
}

func TestPlaybackState_String(t *testing.T) {
	tests := []struct {
		state PlaybackState
		want  string
	}{
		{StateIdle, "idle"},
		{StateQuerying, "querying"},
		{StateLoading, "loading"},
		{StatePlaying, "playing"},
		{StatePaused, "paused"},
		{PlaybackState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("PlaybackState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestGuildSession_DerivedBooleans(t *testing.T) {
	s := newTestSession(t)

	tests := []struct {
		state   PlaybackState
		active  bool
		playing bool
		paused  bool
		loading bool
	}{
		{StateIdle, false, false, false, false},
		{StateQuerying, true, false, false, true},
		{StateLoading, true, false, false, true},
		{StatePlaying, true, true, false, false},
		{StatePaused, true, false, true, false},
	}
	for _, tt := range tests {
		s.setState(tt.state)
		if got := s.State(); got != tt.state {
			t.Fatalf("State() = %v, want %v", got, tt.state)
		}
		if got := s.IsActive(); got != tt.active {
			t.Errorf("%v: IsActive() = %v, want %v", tt.state, got, tt.active)
		}
		if got := s.IsPlaying(); got != tt.playing {
			t.Errorf("%v: IsPlaying() = %v, want %v", tt.state, got, tt.playing)
		}
		if got := s.IsPaused(); got != tt.paused {
			t.Errorf("%v: IsPaused() = %v, want %v", tt.state, got, tt.paused)
		}
		if got := s.IsBusyLoading(); got != tt.loading {
			t.Errorf("%v: IsBusyLoading() = %v, want %v", tt.state, got, tt.loading)
		}
	}
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, 0},
		{0, 0},
		{1, 1},
		{55, 55},
		{100, 100},
		{150, 100},
	}
	for _, tt := range tests {
		if got := clampVolume(tt.in); got != tt.want {
			t.Errorf("clampVolume(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGuildSession_SetVolumeClamps(t *testing.T) {
	s := newTestSession(t)

	if got := s.SetVolume(150); got != 100 {
		t.Errorf("SetVolume(150) = %d, want 100", got)
	}
	if got := s.CurrentVolume(); got != 100 {
		t.Errorf("CurrentVolume() = %d, want 100", got)
	}
	if got := s.SetVolume(-5); got != 0 {
		t.Errorf("SetVolume(-5) = %d, want 0", got)
	}
	if got := s.SetVolume(73); got != 73 {
		t.Errorf("SetVolume(73) = %d, want 73", got)
	}
	if got := s.encodeVolume.Load(); got != 73 {
		t.Errorf("encodeVolume = %d, want 73", got)
	}
}

func TestGuildSession_MutePreservesLevel(t *testing.T) {
	s := newTestSession(t)
	s.SetVolume(60)

	s.SetMuted(true)
	if !s.Muted() {
		t.Fatal("Muted() = false after SetMuted(true)")
	}
	if got := s.encodeVolume.Load(); got != 0 {
		t.Errorf("encodeVolume while muted = %d, want 0", got)
	}
	if got := s.CurrentVolume(); got != 60 {
		t.Errorf("CurrentVolume() while muted = %d, want 60", got)
	}

	// Level changes while muted stay silent until unmute.
	s.SetVolume(80)
	if got := s.encodeVolume.Load(); got != 0 {
		t.Errorf("encodeVolume after SetVolume while muted = %d, want 0", got)
	}

	s.SetMuted(false)
	if got := s.encodeVolume.Load(); got != 80 {
		t.Errorf("encodeVolume after unmute = %d, want 80", got)
	}
}

func TestGuildSession_PauseResume(t *testing.T) {
	s := newTestSession(t)

	if s.paused() {
		t.Fatal("fresh session reports paused")
	}
	if !s.pause() {
		t.Fatal("pause() = false on a running session")
	}
	if s.pause() {
		t.Error("pause() = true when already paused")
	}
	if !s.paused() {
		t.Error("paused() = false after pause")
	}
	if !s.resume() {
		t.Fatal("resume() = false on a paused session")
	}
	if s.resume() {
		t.Error("resume() = true when not paused")
	}
	if s.paused() {
		t.Error("paused() = true after resume")
	}
}

func TestGuildSession_PlaybackSequence(t *testing.T) {
	s := newTestSession(t)

	seq := s.beginPlayback()
	if !s.isCurrentPlayback(seq) {
		t.Fatal("fresh stamp is not current")
	}
	next := s.beginPlayback()
	if s.isCurrentPlayback(seq) {
		t.Error("stale stamp still reported current")
	}
	if !s.isCurrentPlayback(next) {
		t.Error("new stamp not reported current")
	}
}

func TestGuildSession_EnqueueOpSerializes(t *testing.T) {
	s := newTestSession(t)
	go s.opsLoop()

	const n = 10
	var active, overlaps, ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.enqueueOp(context.Background(), "test", func() error {
				if active.Add(1) != 1 {
					overlaps.Add(1)
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				ran.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("enqueueOp() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := ran.Load(); got != n {
		t.Errorf("ran %d ops, want %d", got, n)
	}
	if got := overlaps.Load(); got != 0 {
		t.Errorf("%d ops observed another op in flight, want 0", got)
	}
}

func TestGuildSession_EnqueueOpReturnsOpError(t *testing.T) {
	s := newTestSession(t)
	go s.opsLoop()

	want := errors.New("boom")
	if err := s.enqueueOp(context.Background(), "test", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("enqueueOp() error = %v, want %v", err, want)
	}
}

func TestGuildSession_EnqueueOpRecoversPanic(t *testing.T) {
	s := newTestSession(t)
	go s.opsLoop()

	err := s.enqueueOp(context.Background(), "test", func() error {
		panic("op exploded")
	})
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("enqueueOp() after panic = %v, want ErrFetchFailed", err)
	}

	// The loop must survive the panic and keep serving.
	if err := s.enqueueOp(context.Background(), "test", func() error { return nil }); err != nil {
		t.Errorf("enqueueOp() after recovered panic = %v, want nil", err)
	}
}

func TestGuildSession_TryEnqueueOpRejectsWhileBusy(t *testing.T) {
	s := newTestSession(t)
	go s.opsLoop()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.enqueueOp(context.Background(), "slow", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := s.tryEnqueueOp("fast", func() error { return nil }); !errors.Is(err, ErrOperationInFlight) {
		t.Errorf("tryEnqueueOp() while busy = %v, want ErrOperationInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("blocked op returned %v", err)
	}
	if err := s.tryEnqueueOp("fast", func() error { return nil }); err != nil {
		t.Errorf("tryEnqueueOp() when idle = %v, want nil", err)
	}
}

func TestGuildSession_EnqueueOpDeadSession(t *testing.T) {
	s := newTestSession(t)
	go s.opsLoop()
	s.cancelFunc()

	// Give the loop a moment to observe the cancel.
	time.Sleep(10 * time.Millisecond)
	err := s.enqueueOp(context.Background(), "test", func() error { return nil })
	if !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("enqueueOp() on dead session = %v, want ErrNoActiveSession", err)
	}
}

func TestGuildSession_EnqueueOpCallerContext(t *testing.T) {
	s := newTestSession(t)
	// No opsLoop: the send blocks until the caller context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.enqueueOp(ctx, "test", func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("enqueueOp() with expired context = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewTrack_Identity(t *testing.T) {
	gid := snowflake.ID(1)

	tests := []struct {
		name        string
		query       string
		wantSource  string
		wantResolve bool
	}{
		{"plain search text", "never gonna give you up", "", true},
		{"youtube watch url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"short url", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
	}
	for _, tt := range tests {
		tr := NewTrack(gid, tt.query)
		if tr.SourceID != tt.wantSource {
			t.Errorf("%s: SourceID = %q, want %q", tt.name, tr.SourceID, tt.wantSource)
		}
		if tr.NeedsResolution != tt.wantResolve {
			t.Errorf("%s: NeedsResolution = %v, want %v", tt.name, tr.NeedsResolution, tt.wantResolve)
		}
		if tr.Query != tt.query {
			t.Errorf("%s: Query = %q, want %q", tt.name, tr.Query, tt.query)
		}
	}
}

func TestNewTrack_MusicSiteNeedsResolution(t *testing.T) {
	tr := NewTrack(snowflake.ID(1), "https://music.example.com/track/123")
	if !tr.NeedsResolution {
		t.Error("NeedsResolution = false for a non-YouTube streaming link")
	}
	// Direct URLs always carry a stable identity, derived when no
	// recognizable video ID exists.
	if len(tr.SourceID) != 32 {
		t.Errorf("SourceID = %q (len %d), want 32-char derived id", tr.SourceID, len(tr.SourceID))
	}
}

func TestTrack_MarkReadyFirstOutcomeWins(t *testing.T) {
	tr := NewTrack(snowflake.ID(1), "test query")
	if tr.Ready() {
		t.Fatal("fresh track reports ready")
	}

	tr.MarkReady("/tmp/a.webm", "Title", "Channel", 3*time.Minute, nil)
	if !tr.Ready() {
		t.Fatal("Ready() = false after MarkReady")
	}
	if tr.Path != "/tmp/a.webm" || tr.Title != "Title" || tr.Channel != "Channel" {
		t.Errorf("payload = (%q, %q, %q), want (/tmp/a.webm, Title, Channel)", tr.Path, tr.Title, tr.Channel)
	}

	tr.MarkError(errors.New("late failure"))
	if tr.Error != nil {
		t.Errorf("MarkError after MarkReady set Error = %v, want nil", tr.Error)
	}
	tr.MarkReady("/tmp/b.webm", "Other", "Other", time.Minute, nil)
	if tr.Path != "/tmp/a.webm" {
		t.Errorf("second MarkReady replaced Path = %q, want /tmp/a.webm", tr.Path)
	}
}

func TestTrack_MarkErrorFirstOutcomeWins(t *testing.T) {
	tr := NewTrack(snowflake.ID(1), "test query")
	want := errors.New("fetch blew up")

	tr.MarkError(want)
	if tr.Ready() {
		t.Error("Ready() = true after MarkError")
	}
	if err := tr.Wait(context.Background()); !errors.Is(err, want) {
		t.Errorf("Wait() = %v, want %v", err, want)
	}

	tr.MarkReady("/tmp/a.webm", "Title", "Channel", time.Minute, nil)
	if tr.Downloaded {
		t.Error("MarkReady after MarkError marked track downloaded")
	}
}

func TestTrack_WaitHonorsContext(t *testing.T) {
	tr := NewTrack(snowflake.ID(1), "test query")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want context.DeadlineExceeded", err)
	}
}

func TestTrack_CancelNilSafe(t *testing.T) {
	tr := NewTrack(snowflake.ID(1), "test query")
	tr.Cancel() // no cancel funcs attached yet

	var fired, dfired atomic.Bool
	tr.mu.Lock()
	tr.cancel = func() { fired.Store(true) }
	tr.downloadCancel = func() { dfired.Store(true) }
	tr.mu.Unlock()
	tr.Cancel()
	if !fired.Load() || !dfired.Load() {
		t.Errorf("Cancel() fired = (%v, %v), want both true", fired.Load(), dfired.Load())
	}
}

func TestTrack_DescriptorRoundTrip(t *testing.T) {
	gid := snowflake.ID(42)
	tr := NewTrack(gid, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	tr.Title = "Song"
	tr.ArtworkURL = "https://img.example.com/a.jpg"
	tr.Duration = 3*time.Minute + 20*time.Second
	tr.RequesterID = snowflake.ID(777)

	st := tr.Descriptor()
	if st.Duration != 200 {
		t.Errorf("Descriptor().Duration = %d, want 200", st.Duration)
	}
	if st.RequesterID != "777" {
		t.Errorf("Descriptor().RequesterID = %q, want \"777\"", st.RequesterID)
	}

	back := trackFromSnapshot(gid, st)
	if back.Title != tr.Title || back.URL != tr.URL || back.SourceID != tr.SourceID {
		t.Errorf("restored (%q, %q, %q), want (%q, %q, %q)",
			back.Title, back.URL, back.SourceID, tr.Title, tr.URL, tr.SourceID)
	}
	if back.Duration != tr.Duration {
		t.Errorf("restored Duration = %v, want %v", back.Duration, tr.Duration)
	}
	if back.RequesterID != tr.RequesterID {
		t.Errorf("restored RequesterID = %v, want %v", back.RequesterID, tr.RequesterID)
	}
}

func TestMemorySessionRepo_GetOrCreate(t *testing.T) {
	repo := NewSessionRepository()
	gid := snowflake.ID(100)

	a := newTestSession(t)
	got := repo.GetOrCreate(gid, func() *GuildSession { return a })
	if got != a {
		t.Fatal("GetOrCreate did not store the created session")
	}

	// A live session is reused, not replaced.
	b := newTestSession(t)
	got = repo.GetOrCreate(gid, func() *GuildSession { return b })
	if got != a {
		t.Error("GetOrCreate replaced a live session")
	}

	// A dead session is swapped out for a fresh one.
	a.cancelFunc()
	got = repo.GetOrCreate(gid, func() *GuildSession { return b })
	if got != b {
		t.Error("GetOrCreate kept a dead session")
	}
}

func TestMemorySessionRepo_RemoveAndLen(t *testing.T) {
	repo := NewSessionRepository()
	gid := snowflake.ID(200)
	s := newTestSession(t)
	repo.GetOrCreate(gid, func() *GuildSession { return s })

	if got := repo.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	removed, ok := repo.Remove(gid)
	if !ok || removed != s {
		t.Fatalf("Remove() = (%v, %v), want (stored session, true)", removed, ok)
	}
	if _, ok := repo.Remove(gid); ok {
		t.Error("Remove() on an empty guild reported ok")
	}
	if got := repo.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestMemorySessionRepo_ForEach(t *testing.T) {
	repo := NewSessionRepository()
	for i := range 3 {
		s := newTestSession(t)
		repo.GetOrCreate(snowflake.ID(300+i), func() *GuildSession { return s })
	}

	var seen int
	repo.ForEach(func(*GuildSession) { seen++ })
	if seen != 3 {
		t.Errorf("ForEach visited %d sessions, want 3", seen)
	}
}

func TestGuildSession_SetVoiceStatusNeverBlocks(t *testing.T) {
	s := newTestSession(t)
	s.statusChan = nil // session without a status manager
	s.setVoiceStatus("should not block")

	s.statusChan = make(chan string, 1)
	s.setVoiceStatus("first")
	s.setVoiceStatus("dropped when full")
	if got := <-s.statusChan; got != "first" {
		t.Errorf("status = %q, want %q", got, "first")
	}
}

func TestGuildSession_WaitJoined(t *testing.T) {
	s := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitJoined(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitJoined() before join = %v, want context.DeadlineExceeded", err)
	}

	close(s.joinedChan)
	if err := s.WaitJoined(context.Background()); err != nil {
		t.Errorf("WaitJoined() after join = %v, want nil", err)
	}
}

func TestGuildSession_QueueAndReplayOrdering(t *testing.T) {
	s := newTestSession(t)
	go s.opsLoop()

	// Ops submitted strictly one after another run in order.
	var mu sync.Mutex
	var order []int
	for i := range 5 {
		i := i
		if err := s.enqueueOp(context.Background(), fmt.Sprintf("op-%d", i), func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("enqueueOp(%d) error = %v", i, err)
		}
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d", i, got, i)
		}
	}
}
