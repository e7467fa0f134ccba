package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

func init() {
	panelActions = buildPanelActions()
	RegisterComponentHandler("panel:", handlePanelButton)
}

// ===========================
// Control Panel
// ===========================

// panelActions maps the closed set of button tags to their handlers.
// Built once at startup; a custom ID carrying any other tag is dropped
// instead of being interpreted.
var panelActions map[string]func(vm *VoiceSystem, s *GuildSession) (string, error)

func buildPanelActions() map[string]func(vm *VoiceSystem, s *GuildSession) (string, error) {
	return map[string]func(vm *VoiceSystem, s *GuildSession) (string, error){
		"pause": func(vm *VoiceSystem, s *GuildSession) (string, error) {
			var notice string
			err := s.tryEnqueueOp("pause", func() error {
				if s.paused() {
					s.resume()
					if s.State() == StatePaused {
						s.setState(StatePlaying)
					}
					s.announceResumed()
					notice = "▶️ Resumed."
					return nil
				}
				s.pause()
				if s.State() == StatePlaying {
					s.setState(StatePaused)
				}
				s.announcePaused()
				notice = "⏸️ Paused."
				return nil
			})
			return notice, err
		},
		"skip": func(vm *VoiceSystem, s *GuildSession) (string, error) {
			var title string
			err := s.tryEnqueueOp("skip", func() error {
				var serr error
				title, serr = s.Skip()
				return serr
			})
			if err != nil {
				return "", err
			}
			return "⏭️ Skipped: " + title, nil
		},
		"stop": func(vm *VoiceSystem, s *GuildSession) (string, error) {
			vm.Leave(context.Background(), s.GuildID)
			return "🛑 Stopped and disconnected.", nil
		},
		"shuffle": func(vm *VoiceSystem, s *GuildSession) (string, error) {
			var n int
			err := s.tryEnqueueOp("shuffle", func() error {
				var serr error
				n, serr = s.Shuffle(context.Background())
				return serr
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("🔀 Shuffled %d track(s).", n), nil
		},
		"mute": func(vm *VoiceSystem, s *GuildSession) (string, error) {
			var notice string
			err := s.tryEnqueueOp("mute", func() error {
				s.SetMuted(!s.Muted())
				if s.Muted() {
					notice = "🔇 Muted."
				} else {
					notice = fmt.Sprintf("🔊 Unmuted at %d%%.", s.CurrentVolume())
				}
				return nil
			})
			return notice, err
		},
		"voldown": func(vm *VoiceSystem, s *GuildSession) (string, error) {
			var v int
			err := s.tryEnqueueOp("volume", func() error {
				v = s.SetVolume(s.CurrentVolume() - 10)
				return nil
			})
			return fmt.Sprintf("🔉 Volume: %d%%", v), err
		},
		"volup": func(vm *VoiceSystem, s *GuildSession) (string, error) {
			var v int
			err := s.tryEnqueueOp("volume", func() error {
				v = s.SetVolume(s.CurrentVolume() + 10)
				return nil
			})
			return fmt.Sprintf("🔊 Volume: %d%%", v), err
		},
	}
}

// Per-guild limiter so one guild mashing buttons cannot starve the
// interaction handlers of another.
var (
	panelLimiterMu sync.Mutex
	panelLimiters  = map[snowflake.ID]*rate.Limiter{}
)

func panelLimiter(guildID snowflake.ID) *rate.Limiter {
	panelLimiterMu.Lock()
	defer panelLimiterMu.Unlock()
	l, ok := panelLimiters[guildID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(2), 5)
		panelLimiters[guildID] = l
	}
	return l
}

func handleMusicPanel(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")), true)
		return
	}
	_ = RespondInteractionV2(event.Client(), event, buildPanelContainer(s, ""), false)
}

func handlePanelButton(event *events.ComponentInteractionCreate) {
	if event.GuildID() == nil {
		return
	}
	guildID := *event.GuildID()
	tag := strings.TrimPrefix(event.Data.CustomID(), "panel:")
	action, ok := panelActions[tag]
	if !ok {
		LogVoice("Dropping unknown panel action %q in guild %s", tag, guildID)
		return
	}

	if !panelLimiter(guildID).Allow() {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Slow down a little.")), true)
		return
	}

	vm := GetVoiceManager()
	s := vm.GetSession(guildID)
	if s == nil {
		_ = UpdateInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")))
		return
	}

	notice, err := action(vm, s)
	if err != nil {
		// Buttons reject fast instead of queueing behind a running
		// command; the user just presses again.
		if errors.Is(err, ErrOperationInFlight) {
			_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Busy with another command, try again shortly.")), true)
			return
		}
		notice = err.Error()
	}

	if vm.GetSession(guildID) == nil {
		_ = UpdateInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("🛑 Stopped and disconnected.")))
		return
	}
	_ = UpdateInteractionV2(event.Client(), event, buildPanelContainer(s, notice))
}

func buildPanelContainer(s *GuildSession, notice string) Container {
	s.queueMu.Lock()
	var line string
	if s.currentTrack != nil {
		s.currentTrack.mu.Lock()
		title, url, channel := s.currentTrack.Title, s.currentTrack.URL, s.currentTrack.Channel
		s.currentTrack.mu.Unlock()
		if title == "" {
			title = url
		}
		line = fmt.Sprintf("[%s](%s)", title, url)
		if channel != "" && channel != "NA" {
			line += " · " + channel
		}
	} else {
		line = "_Nothing playing_"
	}
	queued := len(s.queue) + s.overflowTotal
	s.queueMu.Unlock()

	header := "**Now Playing:**"
	if s.IsPaused() {
		header = "**Now Playing (Paused):**"
	}

	state := fmt.Sprintf("Volume: %d%%", s.CurrentVolume())
	if s.Muted() {
		state += " (muted)"
	}
	if queued > 0 {
		state += fmt.Sprintf(" · %d queued", queued)
	}

	pauseLabel := "⏸️ Pause"
	if s.IsPaused() {
		pauseLabel = "▶️ Resume"
	}

	components := []any{
		NewTextDisplay(header),
		NewTextDisplay(line),
		NewTextDisplay(state),
	}
	if notice != "" {
		components = append(components, NewSeparator(false), NewTextDisplay(notice))
	}
	components = append(components,
		NewSeparator(true),
		NewActionRow(
			NewButton(int(discord.ButtonStyleSecondary), pauseLabel, "panel:pause", false),
			NewButton(int(discord.ButtonStylePrimary), "⏭️ Skip", "panel:skip", false),
			NewButton(int(discord.ButtonStyleDanger), "🛑 Stop", "panel:stop", false),
			NewButton(int(discord.ButtonStyleSecondary), "🔀 Shuffle", "panel:shuffle", false),
		),
		NewActionRow(
			NewButton(int(discord.ButtonStyleSecondary), "🔉 -10", "panel:voldown", false),
			NewButton(int(discord.ButtonStyleSecondary), "🔊 +10", "panel:volup", false),
			NewButton(int(discord.ButtonStyleSecondary), "🔇 Mute", "panel:mute", false),
		),
	)
	return NewV2Container(components...)
}
