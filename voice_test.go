package main

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

func TestLoadingTimeout(t *testing.T) {
	s := newTestSession(t)
	if got := s.loadingTimeout(); got != 30*time.Second {
		t.Errorf("loadingTimeout() without config = %v, want 30s", got)
	}

	s.fetch = NewMediaFetcher(&Config{LoadingTimeout: 5 * time.Second}, NewFileLifecycle(t.TempDir()), NewProcessRegistry())
	if got := s.loadingTimeout(); got != 5*time.Second {
		t.Errorf("loadingTimeout() = %v, want configured 5s", got)
	}

	s.fetch = NewMediaFetcher(&Config{}, NewFileLifecycle(t.TempDir()), NewProcessRegistry())
	if got := s.loadingTimeout(); got != 30*time.Second {
		t.Errorf("loadingTimeout() with zero config = %v, want 30s fallback", got)
	}
}

func TestClearCurrent(t *testing.T) {
	s := newTestSession(t)
	a := NewTrack(s.GuildID, "a")
	b := NewTrack(s.GuildID, "b")

	s.queueMu.Lock()
	s.currentTrack = a
	s.queueMu.Unlock()

	// Clearing a track that is no longer current is a no-op.
	s.clearCurrent(b)
	cur, _, _ := s.QueueState()
	if cur != a {
		t.Error("clearCurrent removed a different track's slot")
	}

	s.clearCurrent(a)
	cur, _, _ = s.QueueState()
	if cur != nil {
		t.Error("clearCurrent left the finished track in place")
	}
}

func TestAddToHistory_DedupAndCap(t *testing.T) {
	s := newTestSession(t)

	for i := 0; i < 55; i++ {
		s.addToHistory("https://www.youtube.com/watch?v=vid"+strconv.Itoa(i), "", "")
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.History) != 50 {
		t.Fatalf("history length = %d, want 50", len(s.History))
	}
	if s.History[0] != "vid5" {
		t.Errorf("oldest kept id = %q, want vid5 after eviction", s.History[0])
	}
	if s.History[49] != "vid54" {
		t.Errorf("newest id = %q, want vid54", s.History[49])
	}
}

func TestAddToHistory_NoDuplicateIDs(t *testing.T) {
	s := newTestSession(t)

	s.addToHistory("https://www.youtube.com/watch?v=same1", "", "")
	s.addToHistory("https://www.youtube.com/watch?v=same1", "", "")

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.History) != 1 {
		t.Errorf("history length = %d after replaying one id, want 1", len(s.History))
	}
}

func TestAddToHistory_SimilarTitlesCollapse(t *testing.T) {
	s := newTestSession(t)

	s.addToHistory("https://www.youtube.com/watch?v=va", "Song Name (Official Video)", "Artist")
	s.addToHistory("https://www.youtube.com/watch?v=vb", "Song Name (Official Audio)", "Artist")
	s.addToHistory("https://www.youtube.com/watch?v=vc", "Completely Different Tune", "Artist")

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	// Both uploads of the same song normalize to one remembered title;
	// every distinct id is still remembered for replay avoidance.
	if len(s.HistoryTitles) != 2 {
		t.Errorf("distinct titles = %d (%v), want 2", len(s.HistoryTitles), s.HistoryTitles)
	}
	if len(s.History) != 3 {
		t.Errorf("history ids = %d, want 3", len(s.History))
	}
	if s.HistoryTitles[0] != "song name" {
		t.Errorf("normalized title = %q, want %q", s.HistoryTitles[0], "song name")
	}
}

func TestAddToHistory_MaintainsIDF(t *testing.T) {
	s := newTestSession(t)

	s.addToHistory("https://www.youtube.com/watch?v=v1", "Alpha Beta", "")
	s.addToHistory("https://www.youtube.com/watch?v=v2", "Beta Gamma", "")

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if got := s.IDFStats["beta"]; got != 2 {
		t.Errorf("IDFStats[beta] = %d, want 2", got)
	}
	if got := s.IDFStats["alpha"]; got != 1 {
		t.Errorf("IDFStats[alpha] = %d, want 1", got)
	}
	for _, tokens := range s.HistoryTokens {
		for _, tok := range tokens {
			if s.IDFStats[tok] < 1 {
				t.Fatalf("history token %q missing from IDF stats", tok)
			}
		}
	}
}

func TestCheckSimilarityAgainst(t *testing.T) {
	history := [][]string{{"hello", "world"}}
	idf := map[string]int{"hello": 1, "world": 1}

	if checkSimilarityAgainst([]string{"hello", "world"}, nil, nil) {
		t.Error("similar against empty history")
	}
	if !checkSimilarityAgainst([]string{"hello", "world"}, history, idf) {
		t.Error("identical token set not similar")
	}
	if checkSimilarityAgainst([]string{"foo", "bar"}, history, idf) {
		t.Error("disjoint token set reported similar")
	}
	if checkSimilarityAgainst([]string{"hello", "extra"}, history, idf) {
		t.Error("half-overlapping token set reported similar")
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("  Hello   WORLD  ")
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Errorf("tokenize() = %v, want [hello world]", got)
	}
	if got := tokenize(""); len(got) != 0 {
		t.Errorf("tokenize(empty) = %v, want none", got)
	}
}

func TestAnnouncePaused(t *testing.T) {
	tests := []struct {
		name       string
		lastStatus string
		want       string
	}{
		{"no prior status", "", "▶️ Paused"},
		{"plain status", "Song · Artist", "▶️ Song · Artist"},
		{"current-track prefix swapped", "⏸️ Song", "▶️ Song"},
		{"next-track prefix swapped", "⏩ Song", "▶️ Song"},
	}
	for _, tt := range tests {
		s := newTestSession(t)
		s.statusMu.Lock()
		s.lastStatus = tt.lastStatus
		s.statusMu.Unlock()

		s.announcePaused()

		select {
		case got := <-s.statusChan:
			if got != tt.want {
				t.Errorf("%s: status = %q, want %q", tt.name, got, tt.want)
			}
		default:
			t.Errorf("%s: no status announced", tt.name)
		}
	}
}

func TestAnnounceResumed(t *testing.T) {
	s := newTestSession(t)
	s.statusMu.Lock()
	s.lastStatus = "Song · Artist"
	s.statusMu.Unlock()

	s.announceResumed()
	if got := <-s.statusChan; got != "Song · Artist" {
		t.Errorf("status = %q, want the track status back", got)
	}

	fresh := newTestSession(t)
	fresh.announceResumed()
	if got := <-fresh.statusChan; got != "Resuming..." {
		t.Errorf("status with no prior track = %q, want %q", got, "Resuming...")
	}
}

func TestUpdateNextTrackStatus_Current(t *testing.T) {
	s := newTestSession(t)
	tr := NewTrack(s.GuildID, "https://youtu.be/AAAAAAAAAAA")
	tr.Title, tr.Channel = "Song", "Artist"
	s.queueMu.Lock()
	s.currentTrack = tr
	s.queueMu.Unlock()

	s.updateNextTrackStatusIfNeeded(tr)

	select {
	case got := <-s.statusChan:
		if got != "⏸️ Song · Artist" {
			t.Errorf("status = %q, want %q", got, "⏸️ Song · Artist")
		}
	default:
		t.Error("no status for the current track")
	}
}

func TestUpdateNextTrackStatus_NextOnlyWhenNearingEnd(t *testing.T) {
	s := newTestSession(t)
	next := NewTrack(s.GuildID, "https://youtu.be/BBBBBBBBBBB")
	next.Title, next.Channel = "Tune", "Artist"
	s.queueMu.Lock()
	s.queue = []*Track{next}
	s.queueMu.Unlock()

	// Far from the end: logged once, but the channel status is not
	// touched yet.
	s.updateNextTrackStatusIfNeeded(next)
	select {
	case got := <-s.statusChan:
		t.Errorf("premature status %q for upcoming track", got)
	default:
	}
	if !next.NextTrackLogged {
		t.Error("upcoming track not marked as logged")
	}

	s.queueMu.Lock()
	s.nearingEnd = true
	s.queueMu.Unlock()
	s.updateNextTrackStatusIfNeeded(next)
	select {
	case got := <-s.statusChan:
		if got != "⏩ Tune · Artist" {
			t.Errorf("status = %q, want %q", got, "⏩ Tune · Artist")
		}
	default:
		t.Error("no status while nearing the end")
	}
}

func TestUpdateNextTrackStatus_SkipsLoopingAndUnknownChannel(t *testing.T) {
	s := newTestSession(t)
	tr := NewTrack(s.GuildID, "https://youtu.be/CCCCCCCCCCC")
	tr.Title, tr.Channel = "Song", "NA"
	s.queueMu.Lock()
	s.currentTrack = tr
	s.Looping = true
	s.queueMu.Unlock()

	s.updateNextTrackStatusIfNeeded(tr)
	select {
	case got := <-s.statusChan:
		t.Errorf("status %q announced while looping", got)
	default:
	}

	s.queueMu.Lock()
	s.Looping = false
	s.queueMu.Unlock()
	s.updateNextTrackStatusIfNeeded(tr)
	// "NA" channels are not worth announcing as an artist.
	if got := <-s.statusChan; got != "⏸️ Song" {
		t.Errorf("status = %q, want %q without separator", got, "⏸️ Song")
	}
}

func TestRecordPlayed(t *testing.T) {
	setupTestDB(t)
	s := newTestSession(t)

	tr := NewTrack(s.GuildID, "https://www.youtube.com/watch?v=vid12345678")
	tr.Title = "Song"
	s.recordPlayed(tr)

	got, err := RecentHistory(context.Background(), s.GuildID, 10)
	if err != nil {
		t.Fatalf("RecentHistory() error = %v", err)
	}
	if len(got) != 1 || got[0].Title != "Song" {
		t.Fatalf("history = %+v, want one entry titled Song", got)
	}

	// Items with no title and no link carry nothing worth remembering.
	s.recordPlayed(&Track{})
	got, err = RecentHistory(context.Background(), s.GuildID, 10)
	if err != nil {
		t.Fatalf("RecentHistory() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("history grew to %d entries from an empty item", len(got))
	}
}

func TestVoiceSystem_GetSessionUnknownGuild(t *testing.T) {
	vs := &VoiceSystem{repo: NewSessionRepository()}
	if got := vs.GetSession(snowflake.ID(404)); got != nil {
		t.Errorf("GetSession(unknown) = %v, want nil", got)
	}
}
