package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ppalone/ytsearch"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			vm := GetVoiceManager()
			vm.Start(ctx)
			return true, func() {}, func() {
				if VoiceManager != nil {
					LogVoice("Shutting down Voice Manager...")
					VoiceManager.Shutdown(context.Background())
				}
			}
		})
		RegisterDaemon(LogFetch, GetVoiceManager().fetch.cacheJanitor)

		vm := GetVoiceManager()
		RegisterVoiceStateUpdateHandler(vm.onVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "voice",
		Description: "Voice System",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play audio from a URL",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionString{
						Name:         "queue",
						Description:  "Queue placement (next, or a position number)",
						Required:     false,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "autoplay",
						Description: "Enable or disable autoplay after this song",
						Required:    false,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "loop",
						Description: "Loop the playback",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop audio and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume a paused track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Shuffle the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the volume of the current session",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-100, higher values are clamped)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(200),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "mute",
				Description: "Toggle mute without losing the volume level",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "forward",
				Description: "Forward the track by a duration",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "duration",
						Description: "Duration to seek (e.g. 10s, 1m)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "rewind",
				Description: "Rewind the track by a duration",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "duration",
						Description: "Duration to seek (e.g. 10s, 1m)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "restore",
				Description: "Restore the queue from the last session",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "panel",
				Description: "Show the playback control panel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "timer",
				Description: "Stop playback after a natural-language delay",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "when",
						Description: "When to stop (e.g. \"in 20 minutes\")",
						Required:    false,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "cancel",
						Description: "Cancel the active timer",
						Required:    false,
					},
				},
			},
		},
	}, handleVoice)

	RegisterAutocompleteHandler("voice", handleMusicAutocomplete)
}

// ===========================
// Voice Manager
// ===========================

var (
	VoiceManager *VoiceSystem
	OnceVoice    sync.Once
)

// VoiceSystem wires the playback components together and owns the
// per-guild sessions through an injected repository.
type VoiceSystem struct {
	repo    SessionRepository
	files   *FileLifecycle
	procs   *ProcessRegistry
	fetch   *MediaFetcher
	preload *Preloader
	cleanup *CleanupCoordinator
	saver   *snapshotSaver
	cfg     *Config
}

// GetVoiceManager returns the singleton VoiceSystem instance
func GetVoiceManager() *VoiceSystem {
	OnceVoice.Do(func() {
		cfg := GlobalConfig
		files := NewFileLifecycle(cfg.AudioCacheDir)
		files.Sweep()
		procs := NewProcessRegistry()
		fetch := NewMediaFetcher(cfg, files, procs)
		preload := NewPreloader(cfg, fetch, files)
		cleanup := NewCleanupCoordinator(files, procs, preload, cfg)
		// Evicted preloads release their payload the same way finished
		// queue items do
		preload.OnEvict = cleanup.OnItemFinished

		vm := &VoiceSystem{
			repo:    NewSessionRepository(),
			files:   files,
			procs:   procs,
			fetch:   fetch,
			preload: preload,
			cleanup: cleanup,
			cfg:     cfg,
		}
		vm.saver = newSnapshotSaver(vm.persistQueue)
		VoiceManager = vm
	})
	return VoiceManager
}

// Start brings up the shared download workers. Runs once the gateway
// is ready; ctx is the daemon context.
func (vs *VoiceSystem) Start(ctx context.Context) {
	vs.preload.Start(ctx)
}

// persistQueue writes one guild's queue snapshot. Called by the
// debounced snapshot saver, never directly.
func (vs *VoiceSystem) persistQueue(guild snowflake.ID) {
	s, ok := vs.repo.Get(guild)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := s.Snapshot()
	if snap == nil {
		if err := ClearQueueSnapshot(ctx, guild); err != nil {
			LogDatabase("Failed to clear queue snapshot for guild %s: %v", guild, err)
		}
		return
	}
	if err := SaveQueueSnapshot(ctx, guild, snap); err != nil {
		LogDatabase("Failed to save queue snapshot for guild %s: %v", guild, err)
	}
}

// GetSession retrieves the voice session for a guild
func (vs *VoiceSystem) GetSession(guildID snowflake.ID) *GuildSession {
	s, _ := vs.repo.Get(guildID)
	return s
}

// Prepare creates or retrieves a voice session for a guild
func (vs *VoiceSystem) Prepare(client *bot.Client, guildID, channelID snowflake.ID) *GuildSession {
	created := false
	s := vs.repo.GetOrCreate(guildID, func() *GuildSession {
		created = true
		return vs.newSession(client, guildID, channelID)
	})
	if created {
		return s
	}

	s.channelMu.Lock()
	oldChannelID := s.ChannelID
	if oldChannelID != channelID {
		s.ChannelID = channelID
		s.channelMu.Unlock()
		// Clear the status on the channel we are leaving behind
		go func(cid snowflake.ID) {
			route := rest.NewEndpoint(http.MethodPut, "/channels/"+cid.String()+"/voice-status")
			_ = client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
		}(oldChannelID)
	} else {
		s.channelMu.Unlock()
	}
	return s
}

func (vs *VoiceSystem) newSession(client *bot.Client, guildID, channelID snowflake.ID) *GuildSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &GuildSession{
		GuildID:     guildID,
		ChannelID:   channelID,
		Conn:        client.VoiceManager.CreateConn(guildID),
		cancelCtx:   ctx,
		cancelFunc:  cancel,
		queue:       make([]*Track, 0),
		client:      client,
		statusChan:  make(chan string, 10),
		queueUpdate: make(chan struct{}, 1),
		joinedChan:  make(chan struct{}),
		pauseChan:   make(chan struct{}),
		ops:         make(chan sessionOp),
		IDFStats:    make(map[string]int),
		fetch:       vs.fetch,
		preload:     vs.preload,
		cleanup:     vs.cleanup,
	}
	s.Volume.Store(100)
	s.encodeVolume.Store(100)
	s.markDirty = func() { vs.saver.MarkDirty(guildID) }

	close(s.pauseChan)
	s.goroutineWg.Add(2)
	go func() {
		defer s.goroutineWg.Done()
		s.statusManager()
	}()
	go func() {
		defer s.goroutineWg.Done()
		s.opsLoop()
	}()
	return s
}

// Join connects the bot to a voice channel
func (vs *VoiceSystem) Join(ctx context.Context, client *bot.Client, guildID, channelID snowflake.ID) error {
	s := vs.Prepare(client, guildID, channelID)

	s.joinedMu.Lock()
	if s.joined && s.ChannelID == channelID {
		s.joinedMu.Unlock()
		return nil
	}
	s.joinedMu.Unlock()

	LogVoice("Joining channel %s in guild %s", channelID, guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := s.Conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		s.Conn.Close(ctx)
		return lastErr
	}

	s.joinedMu.Lock()
	if !s.joined {
		s.joined = true
		s.joinedChanMu.Lock()
		select {
		case <-s.joinedChan:
		default:
			close(s.joinedChan)
		}
		s.joinedChanMu.Unlock()
		s.goroutineWg.Add(2)
		go func() {
			defer s.goroutineWg.Done()
			s.processQueue()
		}()
		go s.monitorConnection()
	}
	s.joinedMu.Unlock()
	return nil
}

func (s *GuildSession) Reconnect(ctx context.Context) error {
	s.channelMu.RLock()
	cid := s.ChannelID
	s.channelMu.RUnlock()
	return GetVoiceManager().Join(ctx, s.client, s.GuildID, cid)
}

func (s *GuildSession) monitorConnection() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: monitorConnection panic recovered: %v", r)
		}
	}()
	defer s.goroutineWg.Done()
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
			// Only reconnect if joined dropped but we still hold a
			// channel (kicked or gateway hiccup)
			s.joinedMu.Lock()
			joined := s.joined
			s.joinedMu.Unlock()
			if !joined {
				_ = s.Reconnect(s.cancelCtx)
			}
		}
	}
}

// Leave disconnects the bot from a voice channel and tears the
// session down. Safe to call for an already-gone guild.
func (vs *VoiceSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	s, ok := vs.repo.Remove(guildID)
	if !ok {
		return
	}

	s.channelMu.RLock()
	channelID := s.ChannelID
	s.channelMu.RUnlock()

	route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
	_ = s.client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)

	s.Stop()
	vs.cleanup.OnSessionTeardown(ctx, s)
	s.joinedMu.Lock()
	s.joined = false
	s.joinedMu.Unlock()
	if s.Conn != nil {
		s.Conn.Close(ctx)
	}
}

// Shutdown gracefully stops all voice sessions and clears their status
func (vs *VoiceSystem) Shutdown(ctx context.Context) {
	var ids []snowflake.ID
	vs.repo.ForEach(func(s *GuildSession) {
		ids = append(ids, s.GuildID)
	})

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(g snowflake.ID) {
			defer wg.Done()
			vs.Leave(ctx, g)
		}(id)
	}
	wg.Wait()

	vs.saver.Stop()
	vs.procs.KillAllGuilds()
}

// ===========================
// Queueing
// ===========================

// Play resolves a query into one or more tracks, queues them and
// kicks off the first download. A play request while something is
// already playing only ever enqueues; it never preempts.
func (vs *VoiceSystem) Play(ctx context.Context, guildID snowflake.ID, q, mode string, pos int, requester snowflake.ID) (*Track, int, error) {
	s := vs.GetSession(guildID)
	if s == nil {
		return nil, 0, ErrNoActiveSession
	}

	if s.State() == StateIdle {
		s.setState(StateQuerying)
	}

	tracks, _ := vs.resolvePlaylist(ctx, guildID, q)
	if len(tracks) == 0 {
		if t := vs.preload.Consume(guildID, q); t != nil && t.Error == nil {
			LogVoice("Consuming preloaded track for guild %s: %s", guildID, q)
			tracks = []*Track{t}
		} else {
			tracks = []*Track{NewTrack(guildID, q)}
		}
	}
	if requester != 0 {
		for _, t := range tracks {
			t.RequesterID = requester
		}
	}

	firstTrack := tracks[0]
	LogVoice("Queuing %d track(s) in guild %s: %s", len(tracks), guildID, q)

	s.queueTracks(ctx, tracks, mode, pos)

	firstTrack.Priority = 1
	vs.preload.Schedule(firstTrack)
	s.addToHistory(q, "", "")

	return firstTrack, len(tracks), nil
}

func (vs *VoiceSystem) resolvePlaylist(ctx context.Context, guildID snowflake.ID, u string) ([]*Track, error) {
	if !strings.Contains(u, "list=") {
		return nil, nil
	}
	ctx, release := vs.fetch.track(ctx, guildID, ProcessLocate)
	defer release()
	entries, err := ytdlpExtractPlaylist(ctx, u, 100)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	tracks := make([]*Track, 0, len(entries))
	for _, e := range entries {
		nt := NewTrack(guildID, e.URL)
		nt.Title = e.Title
		nt.Channel = e.Uploader
		tracks = append(tracks, nt)
	}
	return tracks, nil
}

// ===========================
// Voice State Updates
// ===========================

// onVoiceStateUpdate handles voice state changes and auto-pause
func (vs *VoiceSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	s, ok := vs.repo.Get(event.VoiceState.GuildID)

	if event.VoiceState.UserID == event.Client().ID() {
		vs.handleBotVoiceStateUpdate(event, s, ok)
		return
	}

	if ok {
		vs.updateAutoPauseState(event, s)
	}
}

func (vs *VoiceSystem) handleBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate, s *GuildSession, ok bool) {
	if event.VoiceState.ChannelID == nil {
		if ok {
			LogVoice("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
			vs.Leave(context.Background(), event.VoiceState.GuildID)
		}
		return
	}

	if !ok {
		return
	}

	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()

	if currentChannelID == 0 || *event.VoiceState.ChannelID != currentChannelID {
		oldChannelID := currentChannelID
		LogVoice("Bot moved from %s to %s in guild %s", oldChannelID, *event.VoiceState.ChannelID, event.VoiceState.GuildID)

		if oldChannelID != 0 {
			route := rest.NewEndpoint(http.MethodPut, "/channels/"+oldChannelID.String()+"/voice-status")
			_ = event.Client().Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
		}

		s.channelMu.Lock()
		s.ChannelID = *event.VoiceState.ChannelID
		s.channelMu.Unlock()
		s.statusMu.Lock()
		status := s.lastStatus
		s.statusMu.Unlock()
		s.setVoiceStatus(status)
	}
}

func (vs *VoiceSystem) updateAutoPauseState(event *events.GuildVoiceStateUpdate, s *GuildSession) {
	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()

	if currentChannelID == 0 {
		return
	}
	humanCount := 0
	for state := range event.Client().Caches.VoiceStates(event.VoiceState.GuildID) {
		if state.ChannelID != nil && *state.ChannelID == currentChannelID && state.UserID != event.Client().ID() {
			if state.SelfDeaf {
				continue
			}
			if m, ok := event.Client().Caches.Member(event.VoiceState.GuildID, state.UserID); !ok || !m.User.Bot {
				humanCount++
			}
		}
	}

	if humanCount == 0 && !s.paused() {
		LogVoice("Pausing playback in guild %s (No humans)", event.VoiceState.GuildID)
		if s.pause() && s.State() == StatePlaying {
			s.setState(StatePaused)
		}
		s.announcePaused()
	} else if humanCount > 0 && s.paused() {
		LogVoice("Resuming playback in guild %s", event.VoiceState.GuildID)
		if s.resume() && s.State() == StatePaused {
			s.setState(StatePlaying)
		}
		s.announceResumed()
	}
}

// announcePaused flips the channel status to its paused form without
// losing the track title behind it.
func (s *GuildSession) announcePaused() {
	s.statusMu.Lock()
	status := s.lastStatus
	s.statusMu.Unlock()
	if status == "" {
		s.setVoiceStatus("▶️ Paused")
		return
	}
	if strings.HasPrefix(status, "⏸️ ") {
		status = "▶️ " + status[len("⏸️ "):]
	} else if strings.HasPrefix(status, "⏩ ") {
		status = "▶️ " + status[len("⏩ "):]
	} else {
		status = "▶️ " + status
	}
	s.setVoiceStatus(status)
}

func (s *GuildSession) announceResumed() {
	s.statusMu.Lock()
	status := s.lastStatus
	if status == "" {
		status = "Resuming..."
	}
	s.statusMu.Unlock()
	s.setVoiceStatus(status)
}

// ===========================
// Channel Status
// ===========================

// statusManager serializes voice channel status updates. Bursts are
// debounced by draining the channel down to the newest value.
func (s *GuildSession) statusManager() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: statusManager panic recovered: %v", r)
		}
	}()
	var cur string
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case n := <-s.statusChan:
		drain:
			for {
				select {
				case m := <-s.statusChan:
					n = m
				default:
					break drain
				}
			}

			if n == cur {
				continue
			}

			s.statusMu.Lock()
			target := n
			if len([]rune(target)) > 128 {
				target = TruncateCenter(target, 128)
			}
			if target != "" && !strings.HasPrefix(target, "▶️") {
				s.lastStatus = target
			}
			s.channelMu.RLock()
			channelID := s.ChannelID
			s.channelMu.RUnlock()

			// Fire and forget (log error if any)
			go func(cid snowflake.ID, status string) {
				err := s.client.Rest.Do(rest.NewEndpoint(http.MethodPut, "/channels/"+cid.String()+"/voice-status").Compile(nil), map[string]string{"status": status}, nil)
				if err != nil {
					LogVoice("Failed to update status for %s: %v", cid, err)
				}
			}(channelID, target)

			cur = target
			s.statusMu.Unlock()
		}
	}
}

func (s *GuildSession) updateNextTrackStatusIfNeeded(t *Track) {
	s.queueMu.Lock()
	isCurrent := s.currentTrack == t
	isNext := false
	if len(s.queue) > 0 && s.queue[0] == t {
		isNext = true
	} else if s.Autoplay && s.autoplayTrack == t {
		isNext = true
	}
	nearing := s.nearingEnd
	looping := s.Looping
	s.queueMu.Unlock()

	if (isCurrent || isNext) && !looping && t.Title != "" {
		// yt-dlp reports "NA" for missing uploader fields.
		suffix := ""
		if t.Channel != "" && t.Channel != "NA" {
			suffix = " · " + t.Channel
		}
		if isNext {
			t.mu.Lock()
			if !t.NextTrackLogged {
				LogVoice("Next Track: %s%s (%s) [%s]", t.Title, suffix, t.URL, t.Duration.Round(time.Second))
				t.NextTrackLogged = true
			}
			t.mu.Unlock()
		}

		if isCurrent || (isNext && nearing) {
			prefix := "⏩ "
			if isCurrent {
				prefix = "⏸️ "
			}
			s.setVoiceStatus(TruncateWithPreserve(t.Title, 128, prefix, suffix))
		}
	}
}

// ===========================
// Playback Engine
// ===========================

func (s *GuildSession) loadingTimeout() time.Duration {
	if s.fetch != nil && s.fetch.cfg != nil && s.fetch.cfg.LoadingTimeout > 0 {
		return s.fetch.cfg.LoadingTimeout
	}
	return 30 * time.Second
}

func (s *GuildSession) clearCurrent(t *Track) {
	s.queueMu.Lock()
	if s.currentTrack == t {
		s.currentTrack = nil
	}
	s.queueMu.Unlock()
}

// recordPlayed persists a finished item to the guild's play history.
func (s *GuildSession) recordPlayed(t *Track) {
	d := t.Descriptor()
	if d.Title == "" && d.URL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := AddHistory(ctx, s.GuildID, d); err != nil {
		LogDatabase("Failed to record play history for guild %s: %v", s.GuildID, err)
	}
}

// processQueue is the per-guild playback engine: it pops the next
// item, waits for its payload under the loading watchdog, streams it,
// then advances. Exactly one runs per session.
func (s *GuildSession) processQueue() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: processQueue panic recovered: %v", r)
		}
	}()
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			if s.refillFromOverflow(s.cancelCtx) > 0 {
				continue
			}
			s.setState(StateIdle)
			select {
			case <-s.queueUpdate:
				continue
			case <-s.cancelCtx.Done():
				return
			}
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.currentTrack = t
		s.nearingEnd = false
		var staleAuto *Track
		if s.autoplayTrack != nil && s.autoplayTrack != t {
			staleAuto = s.autoplayTrack
		}
		s.autoplayTrack = nil
		s.queueMu.Unlock()

		if staleAuto != nil {
			s.cleanup.OnItemFinished(staleAuto)
		}
		if s.markDirty != nil {
			s.markDirty()
		}

		seq := s.beginPlayback()
		s.setState(StateLoading)

		t.Priority = 1
		s.preload.Schedule(t)

		t.mu.Lock()
		downloaded := t.Downloaded
		t.mu.Unlock()
		if !downloaded {
			s.updateNextTrackStatusIfNeeded(t)
		}

		// The watchdog bounds how long a session may sit in loading. A
		// fetch that never completes must not wedge the guild.
		waitCtx, waitCancel := context.WithTimeout(s.cancelCtx, s.loadingTimeout())
		err := t.Wait(waitCtx)
		waitCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && s.cancelCtx.Err() == nil {
				LogVoice("Loading watchdog: track %s stuck after %v, resetting", t.URL, s.loadingTimeout())
				t.MarkError(fmt.Errorf("%w: loading timed out", ErrFetchFailed))
				t.Cancel()
			}
			LogVoice("Skipping track %s due to error: %v", t.URL, err)
			s.cleanup.OnItemFinished(t)
			s.clearCurrent(t)
			continue
		}

		// A skip or stop that landed while we waited makes this payload
		// stale; it belongs to a superseded attempt and must not start.
		if !s.isCurrentPlayback(seq) {
			LogVoice("Discarding stale playback attempt for %s", t.URL)
			s.cleanup.OnItemFinished(t)
			s.clearCurrent(t)
			continue
		}

		s.queueMu.Lock()
		if len(s.queue) > 0 {
			s.queue[0].Priority = 1
			s.preload.Schedule(s.queue[0])
		}
		s.queueMu.Unlock()

		if err := s.WaitJoined(s.cancelCtx); err != nil {
			LogVoice("Skipping track %s: failed to wait for join: %v", t.URL, err)
			s.cleanup.OnItemFinished(t)
			s.clearCurrent(t)
			continue
		}

		ctx, cancel := context.WithCancel(s.cancelCtx)
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()

		go func() {
			select {
			case <-t.MetadataReady:
			case <-ctx.Done():
			case <-s.cancelCtx.Done():
			case <-time.After(15 * time.Second):
			}

			t.mu.Lock()
			title, channel, url, duration := t.Title, t.Channel, t.URL, t.Duration
			t.mu.Unlock()
			select {
			case <-t.PlaybackStarted:
				if s.isCurrentPlayback(seq) && s.State() != StatePaused {
					s.setState(StatePlaying)
				}
				if title == "" || strings.HasPrefix(title, "http") {
					if id := extractVideoID(url); id != "" {
						title = "YouTube Track (" + id + ")"
					} else {
						title = "Music Track"
					}
				}
				LogVoice("Playing track: %s · %s (%s) [%v]", title, channel, url, duration)
				suffix := ""
				if channel != "" && channel != "NA" {
					suffix = " · " + channel
				}
				s.setVoiceStatus(TruncateWithPreserve(title, 128, "⏸️ ", suffix))
			case <-ctx.Done():
				LogVoice("Track skipped/finished: %s", url)
			}
			s.addToHistory(url, title, channel)
		}()

		s.queueMu.Lock()
		autoplay := s.Autoplay
		s.queueMu.Unlock()
		if autoplay {
			go func(url string) {
				select {
				case <-t.MetadataReady:
				case <-s.cancelCtx.Done():
					return
				case <-time.After(10 * time.Second):
				}

				next, err := s.fetchRelated(url, t.Title, t.Channel)
				if err == nil && next != "" {
					nt := NewTrack(s.GuildID, next)
					shouldDownload := false
					var stale *Track
					s.queueMu.Lock()
					if s.Autoplay && s.currentTrack != nil && s.currentTrack.URL == url {
						stale = s.autoplayTrack
						s.autoplayTrack = nt
						shouldDownload = true
					}
					s.queueMu.Unlock()
					if stale != nil {
						s.cleanup.OnItemFinished(stale)
					}
					if shouldDownload {
						nt.Priority = 0
						s.preload.Schedule(nt)
					}
				} else {
					LogVoice("Autoplay pre-fetch failed for %s: %v (Next: %s)", url, err, next)
				}
			}(t.URL)
		}

		if t.LiveStream != nil {
			s.streamCommon(t.URL, t.URL, t.LiveStream)
		} else {
			s.streamFile(t.URL, t.Path)
		}

		s.setVoiceStatus("")

		s.queueMu.Lock()
		loop := s.Looping && !s.skipLoop
		s.skipLoop = false
		if loop {
			s.queue = append([]*Track{t}, s.queue...)
			s.queueMu.Unlock()
			continue
		}
		s.queueMu.Unlock()

		s.cleanup.OnItemFinished(t)
		safeGo(func() { s.recordPlayed(t) })

		s.queueMu.Lock()
		if len(s.queue) == 0 && s.overflowTotal == 0 && s.Autoplay {
			if s.autoplayTrack != nil {
				next := s.autoplayTrack
				s.autoplayTrack = nil
				s.queue = append(s.queue, next)
				select {
				case s.queueUpdate <- struct{}{}:
				default:
				}
				s.queueMu.Unlock()
				continue
			}
			s.queueMu.Unlock()
			next, err := s.fetchRelated(t.URL, t.Title, t.Channel)
			if err == nil && next != "" {
				_, _, _ = GetVoiceManager().Play(context.Background(), s.GuildID, next, "", 0, 0)
			} else {
				LogVoice("Autoplay sync fetch failed for %s: %v", t.URL, err)
			}
			continue
		}
		if len(s.queue) == 0 {
			s.currentTrack = nil
			s.autoplayTrack = nil
			s.queueMu.Unlock()
			if s.markDirty != nil {
				s.markDirty()
			}
		} else {
			s.queueMu.Unlock()
		}
	}
}

// ===========================
// History & Autoplay
// ===========================

func (s *GuildSession) addToHistory(url, title, channel string) {
	id := extractVideoID(url)
	if id == "" {
		return
	}
	n := normalizeTitle(title, channel)
	tokens := tokenize(n)

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if !slices.Contains(s.History, id) {
		s.History = append(s.History, id)
		if len(s.History) > 50 {
			s.History = s.History[1:]
		}
	}
	if n != "" {
		if !checkSimilarityAgainst(tokens, s.HistoryTokens, s.IDFStats) {
			s.HistoryTitles = append(s.HistoryTitles, n)
			s.HistoryAuthors = append(s.HistoryAuthors, channel)

			uniqueTokens := make([]string, 0, len(tokens))
			seen := make(map[string]bool)
			for _, t := range tokens {
				if !seen[t] {
					seen[t] = true
					uniqueTokens = append(uniqueTokens, t)
				}
			}
			s.HistoryTokens = append(s.HistoryTokens, uniqueTokens)
			s.updateIDF(uniqueTokens, true)

			if len(s.HistoryTitles) > 50 {
				s.HistoryTitles = s.HistoryTitles[1:]
				s.HistoryAuthors = s.HistoryAuthors[1:]
				oldTokens := s.HistoryTokens[0]
				s.HistoryTokens = s.HistoryTokens[1:]
				s.updateIDF(oldTokens, false)
			}
		}
	}
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func (s *GuildSession) updateIDF(tokens []string, add bool) {
	for _, t := range tokens {
		if add {
			s.IDFStats[t]++
		} else {
			s.IDFStats[t]--
			if s.IDFStats[t] <= 0 {
				delete(s.IDFStats, t)
			}
		}
	}
}

// checkSimilarityAgainst scores candidate tokens against a history of
// token sets using TF-IDF weighted overlap. Works on snapshots so
// callers can run it outside the queue lock.
func checkSimilarityAgainst(candidateTokens []string, historyTokens [][]string, idfStats map[string]int) bool {
	if len(historyTokens) == 0 {
		return false
	}

	cMap := make(map[string]bool)
	for _, t := range candidateTokens {
		cMap[t] = true
	}

	N := float64(len(historyTokens) + 1)

	for _, hTokens := range historyTokens {
		iScore, uScore := 0.0, 0.0

		for t := range cMap {
			df := idfStats[t] + 1
			wt := math.Log(1.0 + N/float64(df))
			uScore += wt
		}

		for _, t := range hTokens {
			if !cMap[t] {
				df := idfStats[t]
				wt := math.Log(1.0 + N/float64(df))
				uScore += wt
			} else {
				df := idfStats[t] + 1
				wt := math.Log(1.0 + N/float64(df))
				iScore += wt
			}
		}

		if uScore > 0 && (iScore/uScore) >= 0.7 {
			return true
		}
	}
	return false
}

func (s *GuildSession) fetchRelated(url, title, artist string) (string, error) {
	id := extractVideoID(url)
	if id == "" {
		return "", errors.New("id")
	}

	ctx, release := s.fetch.track(s.cancelCtx, s.GuildID, ProcessLocate)
	defer release()

	ch := make(chan recResult, 2)
	go func() {
		es, _ := ytdlpExtractPlaylist(ctx, "https://music.youtube.com/watch?v="+id+"&list=RDAMVM"+id, 20)
		ch <- recResult{es, 0}
	}()
	go func() {
		es, _ := ytdlpExtractPlaylist(ctx, "https://www.youtube.com/watch?v="+id+"&list=RD"+id, 20)
		ch <- recResult{es, 1}
	}()

	var es []ytdlpPlaylistEntry
	resList := make([][]ytdlpPlaylistEntry, 2)
	for range 2 {
		r := <-ch
		resList[r.prio] = r.es
	}
	es = append(resList[0], resList[1]...)

	// Fallback: Native Search if no results
	if len(es) == 0 {
		LogVoice("Autoplay: yt-dlp returned 0 results, trying native search fallback for '%s %s'", title, artist)
		query := title
		if artist != "" {
			query += " " + artist
		}
		c := ytsearch.NewClient(nil)
		res, err := c.Search(ctx, query)
		if err == nil && len(res.Results) > 0 {
			for _, r := range res.Results {
				vid := r.VideoID
				if vid != "" && vid != id {
					es = append(es, ytdlpPlaylistEntry{
						URL:      "https://www.youtube.com/watch?v=" + vid,
						Title:    r.Title,
						Uploader: r.Channel,
					})
				}
			}
		}
	}

	curID := extractVideoID(url)
	curTitle := curID
	if title != "" {
		curTitle = title
	}
	LogVoice("Autoplay: Found %d related tracks for %s", len(es), curTitle)

	s.queueMu.Lock()
	hi := append([]string(nil), s.History...)

	idfCopy := make(map[string]int, len(s.IDFStats))
	maps.Copy(idfCopy, s.IDFStats)

	htTokens := make([][]string, len(s.HistoryTokens))
	copy(htTokens, s.HistoryTokens)
	s.queueMu.Unlock()

	for _, e := range es {
		u := strings.TrimSpace(e.URL)
		nid := ""
		if strings.Contains(u, "watch?v=") {
			nid = extractVideoID(u)
		}

		nti, nup := strings.TrimSpace(e.Title), strings.TrimSpace(e.Uploader)
		n := normalizeTitle(nti, nup)
		tokens := tokenize(n)

		if nid == "" || nid == curID {
			continue
		}
		if slices.Contains(hi, nid) {
			continue
		}
		if checkSimilarityAgainst(tokens, htTokens, idfCopy) {
			continue
		}
		return u, nil
	}
	if len(es) > 1 {
		LogVoice("Autoplay: Strict filtering failed, trying fallback... %s", curTitle)
		for _, e := range es {
			u := strings.TrimSpace(e.URL)
			nid := ""
			if strings.Contains(u, "watch?v=") {
				nid = extractVideoID(u)
			}
			if nid != "" && nid != curID {
				return u, nil
			}
		}
	} else {
		LogVoice("Autoplay: Not enough tracks for fallback (Count: %d)", len(es))
	}
	return "", errors.New("none")
}

// ===========================
// Command Handlers
// ===========================

func handleVoice(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		return
	}
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "stop":
		handleMusicStop(event)
	case "skip":
		handleMusicSkip(event)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "queue":
		handleMusicQueue(event)
	case "shuffle":
		handleMusicShuffle(event)
	case "volume":
		handleVoiceVolume(event, data)
	case "mute":
		handleMusicMute(event)
	case "forward":
		handleMusicSeek(event, data, 1)
	case "rewind":
		handleMusicSeek(event, data, -1)
	case "restore":
		handleMusicRestore(event)
	case "panel":
		handleMusicPanel(event)
	case "timer":
		handleMusicTimer(event, data)
	}
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	q, m, p, a, l := parsePlayArguments(data)

	if strings.HasPrefix(strings.ToUpper(q), "[PL]") {
		qBody := strings.TrimSpace(q[4:])
		if qBody != "" && !strings.Contains(qBody, "http") {
			rs, err := GetVoiceManager().fetch.SearchPlaylist(*event.GuildID(), qBody)
			if err == nil && len(rs) > 0 {
				q = rs[0].URL
			}
		}
	}

	_ = event.DeferCreateMessage(false)
	if err := startPlayback(event, q, m, a, l, p); err != nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Failed: "+err.Error())))
	}
}

// parsePlayArguments parses the arguments for the play command. There
// is deliberately no "now" placement: a track that is playing always
// finishes or gets skipped explicitly, new requests only enqueue.
func parsePlayArguments(data discord.SlashCommandInteractionData) (q, m string, p int, a, l bool) {
	q, _ = data.OptString("query")
	qv, _ := data.OptString("queue")
	a, _ = data.OptBool("autoplay")
	l, _ = data.OptBool("loop")

	if qv == "next" {
		m = "next"
	} else if qv != "" {
		p, _ = strconv.Atoi(qv)
	}
	return
}

// startPlayback joins the caller's voice channel and queues their
// request through the session's serialized operation loop.
func startPlayback(ev *events.ApplicationCommandInteractionCreate, q, m string, a, l bool, p int) error {
	LogVoice("User %s (%s) requested playback: %s", ev.User().Username, ev.User().ID, q)
	vs, ok := ev.Client().Caches.VoiceState(*ev.GuildID(), ev.User().ID)
	if !ok || vs.ChannelID == nil {
		return ErrUserNotInVoice
	}
	vm := GetVoiceManager()
	s := vm.Prepare(ev.Client(), *ev.GuildID(), *vs.ChannelID)
	s.queueMu.Lock()
	s.Autoplay, s.Looping = a, l
	s.queueMu.Unlock()

	je := make(chan error, 1)
	go func() { je <- vm.Join(context.Background(), ev.Client(), *ev.GuildID(), *vs.ChannelID) }()

	var t *Track
	var count int
	err := s.enqueueOp(context.Background(), "play", func() error {
		var perr error
		t, count, perr = vm.Play(context.Background(), *ev.GuildID(), q, m, p, ev.User().ID)
		return perr
	})
	if err != nil {
		return err
	}
	if err := <-je; err != nil {
		return fmt.Errorf("%w: %v", ErrVoicePermission, err)
	}

	// Wait for the track to be ready (with a timeout to prevent
	// deadlocking the interaction)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer waitCancel()
	if err := t.Wait(waitCtx); err != nil {
		return fmt.Errorf("failed to wait for track to be ready: %w", err)
	}

	select {
	case <-t.MetadataReady:
	case <-time.After(5 * time.Second):
	}

	return finishPlaybackResponse(ev, t, m, s.Autoplay, s.Looping, p, count)
}

// finishPlaybackResponse sends the final response message after playback starts
func finishPlaybackResponse(ev *events.ApplicationCommandInteractionCreate, t *Track, m string, a, l bool, p int, count int) error {
	t.mu.Lock()
	title := t.Title
	url := t.URL
	channel := t.Channel
	t.mu.Unlock()

	if title == "" || strings.HasPrefix(title, "http") {
		if id := extractVideoID(url); id != "" {
			title = "YouTube Track (" + id + ")"
		} else {
			title = "Music Track"
		}
	}

	pr := "Added to queue:"
	if count > 1 {
		pr = fmt.Sprintf("📂 Added **%d** tracks from playlist to queue:", count)
		if m == "next" {
			pr = fmt.Sprintf("⏭️ Added **%d** tracks to play next:", count)
		}
	} else {
		if m == "next" {
			pr = "⏭️ Next up:"
		}
		if p > 0 {
			pr = "Added to queue at position " + strconv.Itoa(p) + ":"
		}
	}
	var ss []string
	if a {
		ss = append(ss, "Autoplay")
	}
	if l {
		ss = append(ss, "Looping")
	}
	suffix := ""
	if len(ss) > 0 {
		suffix = " (" + strings.Join(ss, ", ") + ": Enabled)"
	}
	c := pr + " [" + title + "](" + url + ")"
	if channel != "" && channel != "NA" {
		c += " · " + channel
	}
	c += suffix

	t.mu.Lock()
	art := t.ArtworkURL
	t.mu.Unlock()

	if art != "" {
		return EditInteractionV2(ev.Client(), ev, NewV2Container(NewTextDisplay(c), NewMediaGallery(art)))
	}
	return EditInteractionV2(ev.Client(), ev, NewV2Container(NewTextDisplay(c)))
}

// handleMusicStop disconnects and tears the session down. Stopping
// with nothing active is a harmless no-op.
func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	vm := GetVoiceManager()
	if vm.GetSession(*event.GuildID()) == nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Nothing to stop.")), true)
		return
	}
	LogVoice("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	vm.Leave(context.Background(), *event.GuildID())
	_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("🛑 Stopped and disconnected.")), false)
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)

	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Nothing to skip.")))
		return
	}

	start := time.Now()
	LogVoice("Attempting to skip track in guild %s...", *event.GuildID())
	var title string
	err := s.enqueueOp(context.Background(), "skip", func() error {
		var serr error
		title, serr = s.Skip()
		return serr
	})
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Nothing to skip.")))
			return
		}
		LogVoice("Skip failed after %v: %v", time.Since(start), err)
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("Failed to skip: %v", err))))
		return
	}
	LogVoice("Skip success after %v: %s", time.Since(start), title)
	_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("Skipped: %s", title))))
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")), true)
		return
	}
	err := s.enqueueOp(context.Background(), "pause", func() error {
		if !s.pause() {
			return errors.New("already paused")
		}
		if s.State() == StatePlaying {
			s.setState(StatePaused)
		}
		s.announcePaused()
		return nil
	})
	if err != nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Cannot pause: "+err.Error())), true)
		return
	}
	_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("⏸️ Paused.")), false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")), true)
		return
	}
	err := s.enqueueOp(context.Background(), "resume", func() error {
		if !s.resume() {
			return errors.New("not paused")
		}
		if s.State() == StatePaused {
			s.setState(StatePlaying)
		}
		s.announceResumed()
		return nil
	})
	if err != nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Cannot resume: "+err.Error())), true)
		return
	}
	_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("▶️ Resumed.")), false)
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)

	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")))
		return
	}

	var n int
	err := s.enqueueOp(context.Background(), "shuffle", func() error {
		var serr error
		n, serr = s.Shuffle(context.Background())
		return serr
	})
	if err != nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Cannot shuffle: "+err.Error())))
		return
	}
	_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🔀 Shuffled **%d** track(s).", n))))
}

func handleVoiceVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	vol := data.Int("set")
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")), true)
		return
	}

	var applied int
	err := s.enqueueOp(context.Background(), "volume", func() error {
		applied = s.SetVolume(vol)
		return nil
	})
	if err != nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Cannot set volume: "+err.Error())), true)
		return
	}

	msg := fmt.Sprintf("Volume set to **%d%%**.", applied)
	if applied != vol {
		msg = fmt.Sprintf("Volume set to **%d%%** (clamped from %d).", applied, vol)
	}
	if s.Muted() {
		msg += " Still muted."
	}
	_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(msg)), false)
}

func handleMusicMute(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")), true)
		return
	}

	var muted bool
	err := s.enqueueOp(context.Background(), "mute", func() error {
		s.SetMuted(!s.Muted())
		muted = s.Muted()
		return nil
	})
	if err != nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Cannot toggle mute: "+err.Error())), true)
		return
	}

	if muted {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🔇 Muted. Volume stays at **%d%%** for unmute.", s.CurrentVolume()))), false)
		return
	}
	_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🔊 Unmuted at **%d%%**.", s.CurrentVolume()))), false)
}

func handleMusicSeek(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData, factor int) {
	dStr := data.String("duration")
	d, err := time.ParseDuration(dStr)
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Invalid duration format (use 10s, 1m etc)."})
		return
	}
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Not running."})
		return
	}
	seekDuration := d
	if factor < 0 {
		seekDuration = -d
	}
	if err := s.enqueueOp(context.Background(), "seek", func() error { return s.Seek(seekDuration) }); err != nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("Seek failed: %v", err))), false)
		return
	}
	action := "Forwarded"
	if factor < 0 {
		action = "Rewound"
	}
	_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("%s %v", action, d))), false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")))
		return
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var components []interface{}

	if s.currentTrack != nil {
		s.currentTrack.mu.Lock()
		title, url, channel, art := s.currentTrack.Title, s.currentTrack.URL, s.currentTrack.Channel, s.currentTrack.ArtworkURL
		s.currentTrack.mu.Unlock()

		header := "**Now Playing:**"
		if s.State() == StatePaused {
			header = "**Now Playing (Paused):**"
		}
		components = append(components, NewTextDisplay(header))
		components = append(components, NewTextDisplay(fmt.Sprintf("[%s](%s) · %s", title, url, channel)))
		if art != "" {
			components = append(components, NewMediaGallery(art))
		}
		components = append(components, NewSeparator(true))
	}

	components = append(components, NewTextDisplay("**Queue:**"))
	if len(s.queue) == 0 && s.overflowTotal == 0 {
		if s.Autoplay && s.autoplayTrack != nil {
			components = append(components, NewTextDisplay("_Empty (Autoplay Ready)_"))
		} else {
			components = append(components, NewTextDisplay("_Empty_"))
		}
	} else {
		var qList strings.Builder
		shown := 0
		for i, t := range s.queue {
			if i >= 10 {
				break
			}
			qList.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, t.Title, t.URL))
			shown++
		}
		if rest := len(s.queue) - shown + s.overflowTotal; rest > 0 {
			qList.WriteString(fmt.Sprintf("\n*...and %d more*", rest))
		}
		components = append(components, NewTextDisplay(qList.String()))
	}

	if s.Autoplay {
		components = append(components, NewSeparator(true))
		if s.autoplayTrack != nil {
			s.autoplayTrack.mu.Lock()
			atitle, aurl, achannel, aart := s.autoplayTrack.Title, s.autoplayTrack.URL, s.autoplayTrack.Channel, s.autoplayTrack.ArtworkURL
			s.autoplayTrack.mu.Unlock()

			components = append(components, NewTextDisplay("**Autoplay:** Enabled (Ready)"))
			components = append(components, NewTextDisplay(fmt.Sprintf("**Next Up:** [%s](%s) · %s", atitle, aurl, achannel)))
			if aart != "" {
				components = append(components, NewMediaGallery(aart))
			}
		} else {
			components = append(components, NewTextDisplay("**Autoplay:** Enabled"))
		}
	}

	if err := EditInteractionV2(event.Client(), event, NewV2Container(components...)); err != nil {
		LogVoice("Failed to display queue: %v", err)
	}
}

func handleMusicRestore(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)

	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Join a voice channel first.")))
		return
	}

	vm := GetVoiceManager()
	s := vm.Prepare(event.Client(), *event.GuildID(), *vs.ChannelID)

	je := make(chan error, 1)
	go func() { je <- vm.Join(context.Background(), event.Client(), *event.GuildID(), *vs.ChannelID) }()

	var n int
	err := s.enqueueOp(context.Background(), "restore", func() error {
		var rerr error
		n, rerr = s.RestoreQueue(context.Background())
		return rerr
	})
	if err != nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Restore failed: "+err.Error())))
		return
	}
	if jerr := <-je; jerr != nil {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Restore failed: "+jerr.Error())))
		return
	}
	if n == 0 {
		_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Nothing to restore.")))
		return
	}
	_ = EditInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("♻️ Restored **%d** track(s) from the last session.", n))))
}

// ===========================
// Autocomplete
// ===========================

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name == "queue" {
		v, cs := f.String(), []discord.AutocompleteChoice{discord.AutocompleteChoiceString{Name: "Play Next", Value: "next"}}
		if v != "" {
			if _, err := strconv.Atoi(v); err == nil {
				cs = append([]discord.AutocompleteChoice{discord.AutocompleteChoiceString{Name: "Position: " + v, Value: v}}, cs...)
			}
		}
		_ = event.AutocompleteResult(cs)
		return
	}
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" {
		q = getRandomRecommendation(event.GuildID())
	} else if strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	vm := GetVoiceManager()
	var rs []SearchResult
	var err error
	if strings.HasPrefix(strings.ToUpper(q), "[PL]") {
		qBody := strings.TrimSpace(q[4:])
		if qBody != "" && event.GuildID() != nil {
			rs, err = vm.fetch.SearchPlaylist(*event.GuildID(), qBody)
		}
	} else {
		rs, err = vm.fetch.Search(q)
	}
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}

	// Warm the likely pick so a follow-up /voice play lands on an
	// already-fetched payload
	if gid := event.GuildID(); gid != nil && len(rs) > 0 && isHTTPURL(rs[0].URL) && len(rs[0].URL) <= 100 {
		vm.preload.Preload(*gid, rs[0].URL)
	}

	_ = event.AutocompleteResult(cs)
}

// getRandomRecommendation gets a random recommendation from the guild's history.
func getRandomRecommendation(guildID *snowflake.ID) string {
	// 1. Personalized Recommendation from the in-memory session history
	if guildID != nil {
		if s := GetVoiceManager().GetSession(*guildID); s != nil {
			s.queueMu.Lock()
			l := len(s.HistoryTitles)
			if l > 0 {
				idx := l - 1
				if l > 5 {
					idx = l - 1 - (int(time.Now().UnixNano()/1000) % 5)
				} else {
					idx = int(time.Now().UnixNano()/1000) % l
				}
				if len(s.HistoryAuthors) > idx {
					author := s.HistoryAuthors[idx]
					if author != "" && author != "NA" {
						s.queueMu.Unlock()
						return "Mix - " + author
					}
				}

				title := s.HistoryTitles[idx]
				s.queueMu.Unlock()
				return "Mix - " + title
			}
			s.queueMu.Unlock()
		}
	}

	// 2. Persisted history from an earlier session
	if guildID != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rows, err := RecentHistory(ctx, *guildID, 5); err == nil && len(rows) > 0 {
			r := rows[int(time.Now().UnixNano()/1000)%len(rows)]
			if r.Title != "" {
				return "Mix - " + r.Title
			}
		}
	}

	// 3. Fallback to generic trending
	return "Trending Music"
}
