package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// setupTestDB points the global DB at a throwaway file. A file, not
// :memory:, because the pool keeps several connections and each
// in-memory connection would get its own database.
func setupTestDB(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	if err := InitDatabase(context.Background(), path); err != nil {
		t.Fatalf("InitDatabase() error = %v", err)
	}
	t.Cleanup(func() {
		CloseDatabase()
		DB = nil
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing token", Config{}, true},
		{"token only", Config{Token: "tok"}, false},
		{"valid guild id", Config{Token: "tok", GuildID: "123456789012345678"}, false},
		{"guild id too short", Config{Token: "tok", GuildID: "12345"}, true},
		{"guild id too long", Config{Token: "tok", GuildID: "123456789012345678901"}, true},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestInitDatabase_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	if err := InitDatabase(ctx, path); err != nil {
		t.Fatalf("InitDatabase() error = %v", err)
	}
	if err := SetBotConfig(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("SetBotConfig() error = %v", err)
	}
	CloseDatabase()

	// Reopening an existing database must tolerate the schema already
	// being in place.
	if err := InitDatabase(ctx, path); err != nil {
		t.Fatalf("InitDatabase() reopen error = %v", err)
	}
	t.Cleanup(func() {
		CloseDatabase()
		DB = nil
	})

	got, err := GetBotConfig(ctx, "greeting")
	if err != nil {
		t.Fatalf("GetBotConfig() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("GetBotConfig() = %q, want %q", got, "hello")
	}
}

func TestBotConfig_RoundTrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	got, err := GetBotConfig(ctx, "missing")
	if err != nil {
		t.Fatalf("GetBotConfig(missing) error = %v", err)
	}
	if got != "" {
		t.Errorf("GetBotConfig(missing) = %q, want empty", got)
	}

	if err := SetBotConfig(ctx, "mode", "quiet"); err != nil {
		t.Fatalf("SetBotConfig() error = %v", err)
	}
	if err := SetBotConfig(ctx, "mode", "loud"); err != nil {
		t.Fatalf("SetBotConfig() upsert error = %v", err)
	}
	got, err = GetBotConfig(ctx, "mode")
	if err != nil {
		t.Fatalf("GetBotConfig() error = %v", err)
	}
	if got != "loud" {
		t.Errorf("GetBotConfig() = %q, want %q", got, "loud")
	}
}

func TestQueueSnapshot_SaveLoadClear(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	gid := snowflake.ID(1001)

	overflow := []SnapshotTrack{
		{Title: "of-1", SourceID: "of1"},
		{Title: "of-2", SourceID: "of2"},
		{Title: "of-3", SourceID: "of3"},
	}
	if err := PushOverflow(ctx, gid, overflow); err != nil {
		t.Fatalf("PushOverflow() error = %v", err)
	}

	snap := &QueueSnapshot{
		NowPlaying: &SnapshotTrack{Title: "current", SourceID: "cur", URL: "https://x/cur", RequesterID: "42", Duration: 200},
		Queue: []SnapshotTrack{
			{Title: "next-1", SourceID: "n1"},
			{Title: "next-2", SourceID: "n2"},
		},
	}
	if err := SaveQueueSnapshot(ctx, gid, snap); err != nil {
		t.Fatalf("SaveQueueSnapshot() error = %v", err)
	}

	got, err := LoadQueueSnapshot(ctx, gid)
	if err != nil {
		t.Fatalf("LoadQueueSnapshot() error = %v", err)
	}
	if got.NowPlaying == nil || got.NowPlaying.Title != "current" {
		t.Fatalf("NowPlaying = %+v, want title %q", got.NowPlaying, "current")
	}
	if got.NowPlaying.RequesterID != "42" || got.NowPlaying.Duration != 200 {
		t.Errorf("NowPlaying = %+v, lost requester or duration", got.NowPlaying)
	}
	if len(got.Queue) != 2 || got.Queue[0].Title != "next-1" || got.Queue[1].Title != "next-2" {
		t.Errorf("Queue = %+v, want ordered [next-1 next-2]", got.Queue)
	}
	if got.OverflowTotal != 3 {
		t.Errorf("OverflowTotal = %d, want 3", got.OverflowTotal)
	}

	// Saving again replaces rather than appends.
	if err := SaveQueueSnapshot(ctx, gid, &QueueSnapshot{Queue: []SnapshotTrack{{Title: "only", SourceID: "o1"}}}); err != nil {
		t.Fatalf("SaveQueueSnapshot() replace error = %v", err)
	}
	got, err = LoadQueueSnapshot(ctx, gid)
	if err != nil {
		t.Fatalf("LoadQueueSnapshot() error = %v", err)
	}
	if got.NowPlaying != nil || len(got.Queue) != 1 {
		t.Errorf("after replace: NowPlaying = %+v, Queue = %+v, want (nil, [only])", got.NowPlaying, got.Queue)
	}

	if err := ClearQueueSnapshot(ctx, gid); err != nil {
		t.Fatalf("ClearQueueSnapshot() error = %v", err)
	}
	got, err = LoadQueueSnapshot(ctx, gid)
	if err != nil {
		t.Fatalf("LoadQueueSnapshot() after clear error = %v", err)
	}
	if got.NowPlaying != nil || len(got.Queue) != 0 {
		t.Errorf("after clear: snapshot = %+v, want empty", got)
	}
}

func TestOverflow_PushPopOrder(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	gid := snowflake.ID(1002)

	first := []SnapshotTrack{{Title: "a", SourceID: "a"}, {Title: "b", SourceID: "b"}}
	second := []SnapshotTrack{{Title: "c", SourceID: "c"}}
	if err := PushOverflow(ctx, gid, first); err != nil {
		t.Fatalf("PushOverflow() error = %v", err)
	}
	if err := PushOverflow(ctx, gid, second); err != nil {
		t.Fatalf("PushOverflow() continuation error = %v", err)
	}

	n, err := OverflowCount(ctx, gid)
	if err != nil {
		t.Fatalf("OverflowCount() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("OverflowCount() = %d, want 3", n)
	}

	popped, err := PopOverflow(ctx, gid, 2)
	if err != nil {
		t.Fatalf("PopOverflow() error = %v", err)
	}
	if len(popped) != 2 || popped[0].Title != "a" || popped[1].Title != "b" {
		t.Errorf("PopOverflow(2) = %+v, want head [a b]", popped)
	}

	popped, err = PopOverflow(ctx, gid, 10)
	if err != nil {
		t.Fatalf("PopOverflow() drain error = %v", err)
	}
	if len(popped) != 1 || popped[0].Title != "c" {
		t.Errorf("PopOverflow(10) = %+v, want [c]", popped)
	}

	popped, err = PopOverflow(ctx, gid, 5)
	if err != nil {
		t.Fatalf("PopOverflow() on empty error = %v", err)
	}
	if len(popped) != 0 {
		t.Errorf("PopOverflow() on empty = %+v, want none", popped)
	}
}

func TestOverflow_ReplaceAndAll(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	gid := snowflake.ID(1003)

	if err := PushOverflow(ctx, gid, []SnapshotTrack{{Title: "old", SourceID: "old"}}); err != nil {
		t.Fatalf("PushOverflow() error = %v", err)
	}
	repl := []SnapshotTrack{{Title: "x", SourceID: "x"}, {Title: "y", SourceID: "y"}}
	if err := ReplaceOverflow(ctx, gid, repl); err != nil {
		t.Fatalf("ReplaceOverflow() error = %v", err)
	}

	all, err := OverflowAll(ctx, gid)
	if err != nil {
		t.Fatalf("OverflowAll() error = %v", err)
	}
	if len(all) != 2 || all[0].Title != "x" || all[1].Title != "y" {
		t.Errorf("OverflowAll() = %+v, want ordered [x y]", all)
	}

	if err := ClearOverflow(ctx, gid); err != nil {
		t.Fatalf("ClearOverflow() error = %v", err)
	}
	n, err := OverflowCount(ctx, gid)
	if err != nil {
		t.Fatalf("OverflowCount() error = %v", err)
	}
	if n != 0 {
		t.Errorf("OverflowCount() after clear = %d, want 0", n)
	}
}

func TestOverflow_GuildIsolation(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	a, b := snowflake.ID(1004), snowflake.ID(1005)

	if err := PushOverflow(ctx, a, []SnapshotTrack{{Title: "a", SourceID: "a"}}); err != nil {
		t.Fatalf("PushOverflow(a) error = %v", err)
	}
	if err := PushOverflow(ctx, b, []SnapshotTrack{{Title: "b", SourceID: "b"}}); err != nil {
		t.Fatalf("PushOverflow(b) error = %v", err)
	}
	if err := ClearOverflow(ctx, a); err != nil {
		t.Fatalf("ClearOverflow(a) error = %v", err)
	}

	n, err := OverflowCount(ctx, b)
	if err != nil {
		t.Fatalf("OverflowCount(b) error = %v", err)
	}
	if n != 1 {
		t.Errorf("guild b overflow = %d after clearing guild a, want 1", n)
	}
}

func TestHistory_CapAndOrder(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	gid := snowflake.ID(1006)

	for i := 0; i < HistoryLimit+5; i++ {
		st := SnapshotTrack{Title: "title-" + strconv.Itoa(i), SourceID: "s", URL: "https://x/v"}
		if err := AddHistory(ctx, gid, st); err != nil {
			t.Fatalf("AddHistory(%d) error = %v", i, err)
		}
	}

	got, err := RecentHistory(ctx, gid, HistoryLimit+10)
	if err != nil {
		t.Fatalf("RecentHistory() error = %v", err)
	}
	if len(got) != HistoryLimit {
		t.Fatalf("history length = %d, want %d", len(got), HistoryLimit)
	}
	// Newest first; the oldest five entries were trimmed.
	if got[0].Title != "title-54" {
		t.Errorf("newest = %q, want %q", got[0].Title, "title-54")
	}
	if got[len(got)-1].Title != "title-5" {
		t.Errorf("oldest kept = %q, want %q", got[len(got)-1].Title, "title-5")
	}

	if err := ClearHistory(ctx, gid); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	got, err = RecentHistory(ctx, gid, 10)
	if err != nil {
		t.Fatalf("RecentHistory() after clear error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("history after clear = %d entries, want 0", len(got))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"this one is too long", 10, "this on..."},
		{"abc", 2, "ab"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestTruncateCenter(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"abcdefghijklmnop", 9, "abc...nop"},
		{"日本語のタイトルです", 7, "日本...です"},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := TruncateCenter(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("TruncateCenter(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestTruncateWithPreserve(t *testing.T) {
	got := TruncateWithPreserve("abcdefghijklmnopqrstuvwxyz", 20, ">> ", " <<")
	if got != ">> abcde...vwxyz <<" {
		t.Errorf("TruncateWithPreserve() = %q, want %q", got, ">> abcde...vwxyz <<")
	}
	// Short input passes through untouched.
	got = TruncateWithPreserve("abc", 20, ">> ", " <<")
	if got != ">> abc <<" {
		t.Errorf("TruncateWithPreserve() short = %q, want %q", got, ">> abc <<")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "∞"},
		{45 * time.Second, "45s"},
		{3*time.Minute + 20*time.Second, "3m 20s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"45", 45 * time.Second, false},
		{"45s", 45 * time.Second, false},
		{"10m", 10 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"2H", 2 * time.Hour, false},
		{"ten minutes", 0, true},
		{"-5s", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStripANSIWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewStripANSIWriter(&buf)

	in := []byte("\x1b[31mred\x1b[0m plain")
	n, err := w.Write(in)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// Reports the original length so callers see a full write.
	if n != len(in) {
		t.Errorf("Write() = %d, want %d", n, len(in))
	}
	if got := buf.String(); got != "red plain" {
		t.Errorf("stripped output = %q, want %q", got, "red plain")
	}
}
