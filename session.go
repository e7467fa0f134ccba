package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Errors
// ===========================

var (
	ErrSourceResolution  = errors.New("could not resolve query to a playable source")
	ErrDurationLimit     = errors.New("track exceeds the configured duration limit")
	ErrFetchFailed       = errors.New("failed to fetch audio")
	ErrTranscodeFailed   = errors.New("failed to prepare audio for playback")
	ErrNoActiveSession   = errors.New("no active voice session")
	ErrOperationInFlight = errors.New("another operation is already in progress")
	ErrUserNotInVoice    = errors.New("user not in a voice channel")
	ErrVoicePermission   = errors.New("missing permission to join or speak in that channel")
)

// ===========================
// Playback State
// ===========================

type PlaybackState int32

const (
	StateIdle PlaybackState = iota
	StateQuerying
	StateLoading
	StatePlaying
	StatePaused
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQuerying:
		return "querying"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}

// ===========================
// Track
// ===========================

// Track is one queue item: a persistable descriptor plus the transient
// stream payload attached while the item is loading or playing. The
// payload never survives a restart.
type Track struct {
	GuildID        snowflake.ID
	Title, Channel string
	URL            string
	Query          string
	SourceID       string
	RequesterID    snowflake.ID
	ArtworkURL     string
	Duration       time.Duration

	Path            string
	TempBase        string
	LiveStream      io.Reader
	Downloaded      bool
	Enriched        bool
	Error           error
	NeedsResolution bool

	done            chan struct{}
	MetadataReady   chan struct{}
	PlaybackStarted chan struct{}
	onceStart       sync.Once
	cleanupOnce     sync.Once
	mu              sync.Mutex
	cancel          context.CancelFunc
	downloadCancel  context.CancelFunc
	Started         bool
	NextTrackLogged bool
	Priority        int
	index           int
	WrittenBytes    int64
	TotalSize       int64
	SeekOffset      time.Duration
	FileCreated     chan struct{}
}

// NewTrack creates a queue item from a raw user query or URL.
func NewTrack(guildID snowflake.ID, query string) *Track {
	t := &Track{
		GuildID:         guildID,
		Query:           query,
		URL:             query,
		done:            make(chan struct{}),
		MetadataReady:   make(chan struct{}),
		PlaybackStarted: make(chan struct{}),
		index:           -1,
	}
	if isHTTPURL(query) {
		t.SourceID = extractVideoID(query)
	}
	if !isHTTPURL(query) || (isLikelyMusicStreamingSite(query) && !isYouTubeURL(query)) {
		t.NeedsResolution = true
	}
	return t
}

// Wait blocks until the payload is ready or the item failed.
func (t *Track) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the payload arrived without waiting.
func (t *Track) Ready() bool {
	select {
	case <-t.done:
		return t.Error == nil
	default:
		return false
	}
}

// MarkReady attaches the payload. First outcome wins; later calls are
// ignored.
func (t *Track) MarkReady(path, title, channel string, d time.Duration, s io.Reader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Downloaded || t.Error != nil {
		return
	}
	t.Path, t.Title, t.Channel, t.Duration, t.Downloaded, t.LiveStream = path, title, channel, d, true, s
	close(t.done)
}

// MarkError fails the item. First outcome wins.
func (t *Track) MarkError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Downloaded || t.Error != nil {
		return
	}
	t.Error = err
	close(t.done)
}

func (t *Track) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	dcancel := t.downloadCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if dcancel != nil {
		dcancel()
	}
}

// Descriptor returns the persistable part of the item. The stream
// payload is deliberately excluded.
func (t *Track) Descriptor() SnapshotTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := SnapshotTrack{
		Title:      t.Title,
		SourceID:   t.SourceID,
		URL:        t.URL,
		Query:      t.Query,
		ArtworkURL: t.ArtworkURL,
		Duration:   int64(t.Duration.Seconds()),
	}
	if t.RequesterID != 0 {
		st.RequesterID = t.RequesterID.String()
	}
	return st
}

func trackFromSnapshot(guildID snowflake.ID, st SnapshotTrack) *Track {
	q := st.Query
	if q == "" {
		q = st.URL
	}
	t := NewTrack(guildID, q)
	t.Title = st.Title
	t.URL = st.URL
	t.SourceID = st.SourceID
	t.ArtworkURL = st.ArtworkURL
	t.Duration = time.Duration(st.Duration) * time.Second
	if st.RequesterID != "" {
		if id, err := snowflake.Parse(st.RequesterID); err == nil {
			t.RequesterID = id
		}
	}
	return t
}

// ===========================
// Guild Session
// ===========================

type sessionOp struct {
	name string
	run  func() error
	done chan error
}

// GuildSession is the single source of playback truth for one guild.
type GuildSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	channelMu sync.RWMutex
	Conn      voice.Conn
	client    *bot.Client

	state   atomic.Int32
	playSeq atomic.Int64

	queue         []*Track
	queueMu       sync.Mutex
	queueUpdate   chan struct{}
	currentTrack  *Track
	autoplayTrack *Track
	overflowTotal int

	ops chan sessionOp

	joined       bool
	joinedMu     sync.Mutex
	joinedChan   chan struct{}
	joinedChanMu sync.Mutex

	cancelCtx    context.Context
	cancelFunc   context.CancelFunc
	streamCancel context.CancelFunc
	provider     *StreamProvider
	transcoder   *AstiavTranscoder

	pauseChan chan struct{}
	pauseMu   sync.RWMutex

	skipLoop          bool
	Autoplay, Looping bool

	Volume       atomic.Int32
	encodeVolume atomic.Int32
	muted        atomic.Bool

	statusChan chan string
	statusMu   sync.Mutex
	lastStatus string

	goroutineWg  sync.WaitGroup
	nearingEnd   bool
	teardownOnce sync.Once
	markDirty    func()

	fetch   *MediaFetcher
	preload *Preloader
	cleanup *CleanupCoordinator

	History                []string
	HistoryTitles          []string
	HistoryAuthors         []string
	HistoryTokens          [][]string
	IDFStats               map[string]int
	sleepTimer             *time.Timer
	sleepTimerMu           sync.Mutex
	sleepAt                time.Time
}

func (s *GuildSession) State() PlaybackState {
	return PlaybackState(s.state.Load())
}

func (s *GuildSession) setState(st PlaybackState) {
	old := PlaybackState(s.state.Swap(int32(st)))
	if old != st {
		LogDebug("[VOICE] Guild %s state: %s -> %s", s.GuildID, old, st)
	}
}

// Derived booleans are computed from the state, never stored.
func (s *GuildSession) IsActive() bool {
	return s.State() != StateIdle
}

func (s *GuildSession) IsPlaying() bool {
	return s.State() == StatePlaying
}

func (s *GuildSession) IsPaused() bool {
	return s.State() == StatePaused
}

func (s *GuildSession) IsBusyLoading() bool {
	st := s.State()
	return st == StateQuerying || st == StateLoading
}

// beginPlayback stamps a new playback attempt. Events carrying an older
// stamp refer to a track that is no longer current and must be ignored.
func (s *GuildSession) beginPlayback() int64 {
	return s.playSeq.Add(1)
}

func (s *GuildSession) isCurrentPlayback(seq int64) bool {
	return s.playSeq.Load() == seq
}

// ===========================
// Serialized Operations
// ===========================

// opsLoop executes user operations one at a time. Per-guild commands
// are serialized here; nothing mutates session playback state without
// going through this loop or the playback engine itself.
func (s *GuildSession) opsLoop() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: opsLoop panic recovered: %v", r)
		}
	}()
	for {
		select {
		case <-s.cancelCtx.Done():
			for {
				select {
				case op := <-s.ops:
					op.done <- ErrNoActiveSession
				default:
					return
				}
			}
		case op := <-s.ops:
			op.done <- runOpSafe(op)
		}
	}
}

func runOpSafe(op sessionOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: op %q panic recovered: %v", op.name, r)
			err = ErrFetchFailed
		}
	}()
	return op.run()
}

// enqueueOp queues an operation and waits for its result. Operations
// arriving while another runs wait their turn rather than failing.
func (s *GuildSession) enqueueOp(ctx context.Context, name string, run func() error) error {
	op := sessionOp{name: name, run: run, done: make(chan error, 1)}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cancelCtx.Done():
		return ErrNoActiveSession
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueueOp is the reject-fast variant for surfaces that must never
// stack up work, e.g. control panel buttons.
func (s *GuildSession) tryEnqueueOp(name string, run func() error) error {
	op := sessionOp{name: name, run: run, done: make(chan error, 1)}
	select {
	case s.ops <- op:
	default:
		return ErrOperationInFlight
	}
	select {
	case err := <-op.done:
		return err
	case <-s.cancelCtx.Done():
		return ErrNoActiveSession
	}
}

// ===========================
// Volume & Mute
// ===========================

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// SetVolume clamps and applies a new level. The muted flag is
// independent: setting a level while muted keeps the session silent
// until unmute.
func (s *GuildSession) SetVolume(v int) int {
	cv := clampVolume(v)
	s.Volume.Store(int32(cv))
	s.applyVolume()
	return cv
}

// SetMuted toggles silence while preserving the configured level.
func (s *GuildSession) SetMuted(m bool) {
	s.muted.Store(m)
	s.applyVolume()
}

func (s *GuildSession) Muted() bool {
	return s.muted.Load()
}

func (s *GuildSession) CurrentVolume() int {
	return int(s.Volume.Load())
}

func (s *GuildSession) applyVolume() {
	if s.muted.Load() {
		s.encodeVolume.Store(0)
	} else {
		s.encodeVolume.Store(s.Volume.Load())
	}
}

// ===========================
// Pause Primitives
// ===========================

// pause blocks the frame provider. Returns false when already paused.
func (s *GuildSession) pause() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.pauseChan:
	default:
		return false
	}
	s.pauseChan = make(chan struct{})
	return true
}

// resume unblocks the frame provider. Returns false when not paused.
func (s *GuildSession) resume() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.pauseChan:
		return false
	default:
	}
	close(s.pauseChan)
	return true
}

func (s *GuildSession) paused() bool {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	select {
	case <-s.pauseChan:
		return false
	default:
		return true
	}
}

func (s *GuildSession) stopStream() {
	s.queueMu.Lock()
	cancel := s.streamCancel
	s.queueMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WaitJoined waits for the voice connection to come up.
func (s *GuildSession) WaitJoined(ctx context.Context) error {
	select {
	case <-s.joinedChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cancelCtx.Done():
		return ErrNoActiveSession
	}
}

// WaitForCleanup waits for all session goroutines to exit.
func (s *GuildSession) WaitForCleanup() {
	s.goroutineWg.Wait()
}

func (s *GuildSession) setVoiceStatus(status string) {
	select {
	case s.statusChan <- status:
	default:
	}
}

// ===========================
// Session Repository
// ===========================

// SessionRepository stores the per-guild sessions. Injected into the
// voice system so tests can substitute their own store.
type SessionRepository interface {
	Get(guildID snowflake.ID) (*GuildSession, bool)
	GetOrCreate(guildID snowflake.ID, create func() *GuildSession) *GuildSession
	Remove(guildID snowflake.ID) (*GuildSession, bool)
	ForEach(fn func(*GuildSession))
	Len() int
}

type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*GuildSession
}

func NewSessionRepository() SessionRepository {
	return &memorySessionRepo{
		sessions: make(map[snowflake.ID]*GuildSession),
	}
}

func (r *memorySessionRepo) Get(guildID snowflake.ID) (*GuildSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

func (r *memorySessionRepo) GetOrCreate(guildID snowflake.ID, create func() *GuildSession) *GuildSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[guildID]; ok {
		// A dead session (canceled context) is replaced, not reused
		if s.cancelCtx == nil || s.cancelCtx.Err() == nil {
			return s
		}
		delete(r.sessions, guildID)
	}
	s := create()
	r.sessions[guildID] = s
	return s
}

func (r *memorySessionRepo) Remove(guildID snowflake.ID) (*GuildSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	if ok {
		delete(r.sessions, guildID)
	}
	return s, ok
}

func (r *memorySessionRepo) ForEach(fn func(*GuildSession)) {
	r.mu.Lock()
	sessions := make([]*GuildSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}

func (r *memorySessionRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
