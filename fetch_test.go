package main

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

func newTestFetcher(t *testing.T, cfg *Config) *MediaFetcher {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	return NewMediaFetcher(cfg, NewFileLifecycle(t.TempDir()), NewProcessRegistry())
}

func TestIsHTTPURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/x", true},
		{"http://example.com/x", true},
		{"ftp://example.com/x", false},
		{"never gonna give you up", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isHTTPURL(tt.in); got != tt.want {
			t.Errorf("isHTTPURL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?list=PLx&v=abc123", "abc123"},
		{"https://music.youtube.com/watch?v=xyz789", "xyz789"},
		{"https://youtu.be/dQw4w9WgXcQ?t=30", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/abcdef12345", "abcdef12345"},
		{"https://example.com/page?id=foo42", "foo42"},
	}
	for _, tt := range tests {
		if got := extractVideoID(tt.in); got != tt.want {
			t.Errorf("extractVideoID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractVideoID_HashFallback(t *testing.T) {
	// No recognizable ID: a stable derived identity, never empty.
	a := extractVideoID("https://radio.example.com/stream")
	b := extractVideoID("https://radio.example.com/stream")
	c := extractVideoID("https://radio.example.com/other")
	if len(a) != 32 {
		t.Errorf("derived id = %q (len %d), want 32 hex chars", a, len(a))
	}
	if a != b {
		t.Errorf("same URL derived different ids: %q vs %q", a, b)
	}
	if a == c {
		t.Error("different URLs derived the same id")
	}

	// Absurdly long captured IDs are distrusted and hashed too.
	long := "https://youtu.be/" + strings.Repeat("a", 60)
	if got := extractVideoID(long); len(got) != 32 {
		t.Errorf("oversized id not hashed: %q", got)
	}
}

func TestIsYouTubeURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://www.youtube.com/watch?v=x", true},
		{"https://youtu.be/x", true},
		{"https://music.youtube.com/watch?v=x", true},
		{"https://www.google.com/url?q=x", true},
		{"https://music.example.com/track/1", false},
	}
	for _, tt := range tests {
		if got := isYouTubeURL(tt.in); got != tt.want {
			t.Errorf("isYouTubeURL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsLikelyMusicStreamingSite(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/track/123", true},
		{"https://example.com/ALBUM/9", true},
		{"https://example.com/playlists/mine", true},
		{"https://music.example.com/anything", true},
		{"https://www.listen.example.com/x", true},
		{"https://play.example.org/y", true},
		{"https://example.com/watch?v=x", false},
		{"https://example.com/blog/music-history", false},
		{"https://example.com/about", false},
	}
	for _, tt := range tests {
		if got := isLikelyMusicStreamingSite(tt.in); got != tt.want {
			t.Errorf("isLikelyMusicStreamingSite(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		title   string
		channel string
		want    string
	}{
		{"", "Whoever", ""},
		{"Song Name (Official Video)", "", "song name"},
		{"Song Name [Remix] (Live)", "", "song name"},
		{"Artist - Song Name", "Artist", "song name"},
		{"Artist Official | Song Name", "Artist Official", "song name"},
		{"SongName", "", "song name"},
		{"Song by Artist", "Artist", "song by"},
		{"Song (feat. X) Extra", "", "song feat x extra"},
	}
	for _, tt := range tests {
		if got := normalizeTitle(tt.title, tt.channel); got != tt.want {
			t.Errorf("normalizeTitle(%q, %q) = %q, want %q", tt.title, tt.channel, got, tt.want)
		}
	}
}

func TestParseDurationColon(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3:20", 3*time.Minute + 20*time.Second},
		{"1:05:20", time.Hour + 5*time.Minute + 20*time.Second},
		{"0:07", 7 * time.Second},
		{"90", 0},
		{"", 0},
		{"ab:cd", 0},
	}
	for _, tt := range tests {
		if got := parseDurationColon(tt.in); got != tt.want {
			t.Errorf("parseDurationColon(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCalculateTFIDF(t *testing.T) {
	if got := calculateTFIDF(nil); got != nil {
		t.Errorf("calculateTFIDF(nil) = %v, want nil", got)
	}

	w := calculateTFIDF([]string{"hello world", "hello there"})
	// "hello" appears in every document, so it weighs less than the
	// words that discriminate.
	if w["hello"] >= w["world"] {
		t.Errorf("weights: hello=%v world=%v, want common word lighter", w["hello"], w["world"])
	}
	if math.Abs(w["hello"]-math.Log(2)) > 1e-9 {
		t.Errorf("weight(hello) = %v, want ln(2)", w["hello"])
	}
	if math.Abs(w["world"]-math.Log(3)) > 1e-9 {
		t.Errorf("weight(world) = %v, want ln(3)", w["world"])
	}
}

func TestWeightedSimilarity(t *testing.T) {
	if !weightedSimilarity("same title", "same title", nil) {
		t.Error("identical strings not similar")
	}
	if weightedSimilarity("one thing", "another entirely", nil) {
		t.Error("disjoint strings reported similar")
	}
	// Unweighted overlap 6/7 clears the bar, 2/3 does not.
	if !weightedSimilarity("a b c d e f", "a b c d e f g", nil) {
		t.Error("near-identical strings not similar")
	}
	if weightedSimilarity("hello world", "hello world extra stuff", nil) {
		t.Error("half-overlapping strings reported similar")
	}
}

func TestSelectBestTrack(t *testing.T) {
	if got := SelectBestTrack(nil, "x", "y", time.Minute); got != (ytdlpSearchResult{}) {
		t.Errorf("SelectBestTrack(nil) = %+v, want zero value", got)
	}

	// Nothing matches: fall back to the first result.
	results := []ytdlpSearchResult{
		{URL: "u1", Title: "aaa", Uploader: "ch1", Duration: time.Minute},
		{URL: "u2", Title: "bbb", Uploader: "ch2", Duration: 2 * time.Minute},
	}
	if got := SelectBestTrack(results, "zzz", "zzz", 0); got.URL != "u1" {
		t.Errorf("fallback pick = %q, want first result", got.URL)
	}

	// An exact duration match dominates a fuzzy one.
	results = []ytdlpSearchResult{
		{URL: "u1", Title: "Song", Uploader: "ch1", Duration: 5*time.Minute + 5*time.Second},
		{URL: "u2", Title: "Song", Uploader: "ch1", Duration: 5*time.Minute + 1*time.Second},
	}
	if got := SelectBestTrack(results, "", "", 5*time.Minute); got.URL != "u2" {
		t.Errorf("duration pick = %q, want closest duration", got.URL)
	}

	// Exact channel beats a channel that merely contains the target.
	results = []ytdlpSearchResult{
		{URL: "u1", Title: "Song", Uploader: "Artist Official Fanpage"},
		{URL: "u2", Title: "Song", Uploader: "Artist Official"},
	}
	if got := SelectBestTrack(results, "", "Artist Official", 0); got.URL != "u2" {
		t.Errorf("channel pick = %q, want exact channel", got.URL)
	}
}

func TestTrack_SourceKey(t *testing.T) {
	tr := NewTrack(snowflake.ID(1), "plain text query")
	tr.SourceID = "" // not a URL, so nothing was stamped

	key := tr.sourceKey()
	if key == "" {
		t.Fatal("sourceKey() = empty")
	}
	if again := tr.sourceKey(); again != key {
		t.Errorf("sourceKey() changed between calls: %q then %q", key, again)
	}

	pre := NewTrack(snowflake.ID(1), "https://www.youtube.com/watch?v=abc123")
	if got := pre.sourceKey(); got != "abc123" {
		t.Errorf("sourceKey() = %q, want stamped id abc123", got)
	}
}

func TestMediaFetcher_CheckDuration(t *testing.T) {
	f := newTestFetcher(t, &Config{MaxDuration: 10 * time.Minute})

	if err := f.checkDuration(9 * time.Minute); err != nil {
		t.Errorf("checkDuration(9m) = %v, want nil", err)
	}
	if err := f.checkDuration(11 * time.Minute); !errors.Is(err, ErrDurationLimit) {
		t.Errorf("checkDuration(11m) = %v, want ErrDurationLimit", err)
	}

	// No configured limit means no limit.
	unlimited := newTestFetcher(t, &Config{})
	if err := unlimited.checkDuration(300 * time.Hour); err != nil {
		t.Errorf("checkDuration without limit = %v, want nil", err)
	}
}

func TestMediaFetcher_QueryCache(t *testing.T) {
	f := newTestFetcher(t, nil)

	want := []SearchResult{{Title: "[YTM] Cached Song", URL: "https://music.youtube.com/watch?v=c1"}}
	f.cache.Lock()
	f.cache.items["cached query"] = cachedItem{results: want, expiresAt: time.Now().Add(time.Hour)}
	f.cache.items["stale query"] = cachedItem{results: want, expiresAt: time.Now().Add(-time.Minute)}
	f.cache.Unlock()

	got, err := f.Search("cached query")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].URL != want[0].URL {
		t.Errorf("Search() = %+v, want cached results", got)
	}
}

func TestMediaFetcher_SweepQueryCache(t *testing.T) {
	f := newTestFetcher(t, nil)

	f.cache.Lock()
	f.cache.items["fresh"] = cachedItem{expiresAt: time.Now().Add(time.Hour)}
	f.cache.items["stale"] = cachedItem{expiresAt: time.Now().Add(-time.Minute)}
	f.cache.Unlock()

	f.sweepQueryCache()

	f.cache.RLock()
	_, fresh := f.cache.items["fresh"]
	_, stale := f.cache.items["stale"]
	f.cache.RUnlock()
	if !fresh {
		t.Error("fresh entry swept")
	}
	if stale {
		t.Error("expired entry survived sweep")
	}
}

func TestCompleteFlight_Once(t *testing.T) {
	f := newTestFetcher(t, nil)
	fl := &fetchFlight{key: "k1", done: make(chan struct{})}
	f.flightMu.Lock()
	f.flights["k1"] = fl
	f.flightMu.Unlock()

	if flightDone(fl) {
		t.Fatal("flightDone() = true before completion")
	}

	meta := &CachedMetadata{SourceID: "k1", Title: "Song"}
	f.completeFlight(fl, "/tmp/k1.webm", meta, nil)
	if !flightDone(fl) {
		t.Fatal("flightDone() = false after completion")
	}
	if fl.path != "/tmp/k1.webm" || fl.meta != meta || fl.err != nil {
		t.Errorf("flight outcome = (%q, %v, %v), want recorded success", fl.path, fl.meta, fl.err)
	}
	if !fl.expiresAt.After(time.Now()) {
		t.Error("successful flight not held for the reuse window")
	}

	// Only the first outcome counts.
	f.completeFlight(fl, "/tmp/other.webm", nil, errors.New("late"))
	if fl.path != "/tmp/k1.webm" || fl.err != nil {
		t.Errorf("second completion overwrote the flight: (%q, %v)", fl.path, fl.err)
	}
}

func TestCompleteFlight_ErrorExpiresImmediately(t *testing.T) {
	f := newTestFetcher(t, nil)
	fl := &fetchFlight{key: "k2", done: make(chan struct{})}

	f.completeFlight(fl, "", nil, errors.New("download failed"))
	if fl.err == nil {
		t.Fatal("error not recorded")
	}
	// Failures are not reused: the flight is already expired.
	time.Sleep(time.Millisecond)
	if time.Now().Before(fl.expiresAt) {
		t.Error("failed flight still inside the reuse window")
	}
}

func TestJoinFlight(t *testing.T) {
	f := newTestFetcher(t, nil)
	ctx := context.Background()

	done := &fetchFlight{key: "ok", done: make(chan struct{})}
	f.completeFlight(done, "/tmp/ok.webm", &CachedMetadata{Title: "Song", Channel: "Artist", Duration: time.Minute}, nil)

	tr := NewTrack(snowflake.ID(1), "https://www.youtube.com/watch?v=ok")
	f.joinFlight(ctx, done, tr)
	if !tr.Ready() {
		t.Fatal("joined track not ready")
	}
	if tr.Path != "/tmp/ok.webm" || tr.Title != "Song" || tr.Channel != "Artist" {
		t.Errorf("joined payload = (%q, %q, %q), want flight result", tr.Path, tr.Title, tr.Channel)
	}
	select {
	case <-tr.MetadataReady:
	default:
		t.Error("metadata not signaled on join")
	}

	failed := &fetchFlight{key: "bad", done: make(chan struct{})}
	wantErr := errors.New("source gone")
	f.completeFlight(failed, "", nil, wantErr)
	tr2 := NewTrack(snowflake.ID(1), "https://www.youtube.com/watch?v=bad")
	f.joinFlight(ctx, failed, tr2)
	if !errors.Is(tr2.Error, wantErr) {
		t.Errorf("joined error = %v, want %v", tr2.Error, wantErr)
	}

	// Joining an open flight respects the caller's context.
	open := &fetchFlight{key: "open", done: make(chan struct{})}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	tr3 := NewTrack(snowflake.ID(1), "https://www.youtube.com/watch?v=open")
	f.joinFlight(cctx, open, tr3)
	if !errors.Is(tr3.Error, context.Canceled) {
		t.Errorf("join on canceled context = %v, want context.Canceled", tr3.Error)
	}
}

func TestFetch_ReusesFreshFlight(t *testing.T) {
	f := newTestFetcher(t, nil)
	ctx := context.Background()

	fl := &fetchFlight{key: "vid11111111", done: make(chan struct{})}
	f.completeFlight(fl, "/tmp/vid.webm", &CachedMetadata{Title: "Song"}, nil)
	fl.expiresAt = time.Now().Add(time.Hour) // hold the flight open for the whole test
	f.flightMu.Lock()
	f.flights["vid11111111"] = fl
	f.flightMu.Unlock()

	tr := NewTrack(snowflake.ID(1), "https://www.youtube.com/watch?v=vid11111111")
	f.Fetch(ctx, snowflake.ID(1), tr)
	if !tr.Ready() {
		t.Fatal("track did not reuse the finished flight")
	}
	if tr.Path != "/tmp/vid.webm" {
		t.Errorf("reused path = %q, want /tmp/vid.webm", tr.Path)
	}
}

func TestMetadataSidecar_RoundTrip(t *testing.T) {
	f := newTestFetcher(t, nil)
	base := f.files.NewTempBase("src1")

	if got := f.readMetadataCache("src1"); got != nil {
		t.Errorf("readMetadataCache() before write = %+v, want nil", got)
	}

	cm := &CachedMetadata{
		SourceID:   "src1",
		Title:      "Song",
		Channel:    "Artist",
		Duration:   3 * time.Minute,
		ArtworkURL: "https://img.example.com/a.jpg",
	}
	f.writeMetadataCache(base, cm)

	got := f.readMetadataCache("src1")
	if got == nil {
		t.Fatal("readMetadataCache() = nil after write")
	}
	if *got != *cm {
		t.Errorf("readMetadataCache() = %+v, want %+v", got, cm)
	}

	// Removing the sidecar detaches the index entry.
	if err := os.Remove(MetaPath(base)); err != nil {
		t.Fatal(err)
	}
	if got := f.readMetadataCache("src1"); got != nil {
		t.Errorf("readMetadataCache() after sidecar removal = %+v, want nil", got)
	}
}

func TestFindCachedAudio(t *testing.T) {
	f := newTestFetcher(t, nil)
	base := f.files.NewTempBase("src2")
	f.writeMetadataCache(base, &CachedMetadata{SourceID: "src2", Title: "Song"})

	// Only the sidecar exists: no audio yet.
	if _, ok := f.findCachedAudio("src2"); ok {
		t.Error("findCachedAudio() found audio with only a sidecar present")
	}

	// A partial download does not count.
	if err := os.WriteFile(base+".webm.part", []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.findCachedAudio("src2"); ok {
		t.Error("findCachedAudio() returned a partial download")
	}

	// An empty file does not count either.
	if err := os.WriteFile(base+".webm", nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.findCachedAudio("src2"); ok {
		t.Error("findCachedAudio() returned an empty file")
	}

	if err := os.WriteFile(base+".webm", []byte("audio bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	path, ok := f.findCachedAudio("src2")
	if !ok {
		t.Fatal("findCachedAudio() missed a finished download")
	}
	if path != base+".webm" {
		t.Errorf("findCachedAudio() = %q, want %q", path, base+".webm")
	}

	// Unknown sources have no cache entry at all.
	if _, ok := f.findCachedAudio("nope"); ok {
		t.Error("findCachedAudio() invented a file for an unknown source")
	}
}
