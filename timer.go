package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/sho0pi/naturaltime"
)

// ===========================
// Sleep Timer
// ===========================

var (
	sleepParser     *naturaltime.Parser
	sleepParserOnce sync.Once
)

// parseSleepTime turns natural language ("in 20 minutes", "at 23:00")
// or a plain duration ("45m") into an absolute stop time.
func parseSleepTime(input string) (time.Time, error) {
	now := time.Now()

	sleepParserOnce.Do(func() {
		p, err := naturaltime.New()
		if err != nil {
			LogVoice("Failed to initialize naturaltime parser: %v", err)
			return
		}
		sleepParser = p
	})

	if sleepParser != nil {
		result, err := sleepParser.ParseDate(input, now)
		if err == nil && result != nil {
			return *result, nil
		}
	}

	if d, err := time.ParseDuration(input); err == nil {
		return now.Add(d), nil
	}

	return time.Time{}, fmt.Errorf("could not parse time: %s", input)
}

// setSleepTimer arms (or re-arms) the stop timer. Only one timer is
// active per session; a new one replaces the old.
func (s *GuildSession) setSleepTimer(at time.Time, fire func()) {
	s.sleepTimerMu.Lock()
	defer s.sleepTimerMu.Unlock()
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
	}
	s.sleepAt = at
	s.sleepTimer = time.AfterFunc(time.Until(at), fire)
}

func (s *GuildSession) cancelSleepTimer() bool {
	s.sleepTimerMu.Lock()
	defer s.sleepTimerMu.Unlock()
	if s.sleepTimer == nil {
		return false
	}
	s.sleepTimer.Stop()
	s.sleepTimer = nil
	s.sleepAt = time.Time{}
	return true
}

func (s *GuildSession) sleepRemaining() (time.Duration, bool) {
	s.sleepTimerMu.Lock()
	defer s.sleepTimerMu.Unlock()
	if s.sleepTimer == nil || s.sleepAt.IsZero() {
		return 0, false
	}
	return time.Until(s.sleepAt), true
}

func handleMusicTimer(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s := GetVoiceManager().GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")), true)
		return
	}

	if cancel, _ := data.OptBool("cancel"); cancel {
		if s.cancelSleepTimer() {
			_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("⏲️ Sleep timer canceled.")), false)
		} else {
			_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("No sleep timer set.")), true)
		}
		return
	}

	when, _ := data.OptString("when")
	if when == "" {
		if left, ok := s.sleepRemaining(); ok {
			_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("⏲️ Stopping in **%s**.", FormatDuration(left)))), false)
		} else {
			_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("No sleep timer set.")), true)
		}
		return
	}

	at, err := parseSleepTime(when)
	if err != nil {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("Could not understand that time. Try \"in 20 minutes\" or \"45m\".")), true)
		return
	}
	if !at.After(time.Now()) {
		_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay("That time is already in the past.")), true)
		return
	}

	vm := GetVoiceManager()
	guildID := s.GuildID
	s.setSleepTimer(at, func() {
		// The guild may have restarted its session since the timer was
		// armed; only stop the one it was armed for.
		if cur := vm.GetSession(guildID); cur != s {
			return
		}
		LogVoice("Sleep timer fired for guild %s, stopping playback", guildID)
		vm.Leave(context.Background(), guildID)
	})

	LogVoice("Sleep timer armed for guild %s: stopping at %s", guildID, at.Format(time.Kitchen))
	_ = RespondInteractionV2(event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("⏲️ Stopping in **%s**.", FormatDuration(time.Until(at))))), false)
}
