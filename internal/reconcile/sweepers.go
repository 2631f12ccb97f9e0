/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reconcile

import (
	"context"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/friendsincode/harmony/internal/telemetry"
	"github.com/rs/zerolog"
)

// ListenerStore is the listener-set surface the sweeper mutates.
type ListenerStore interface {
	ScanListenerGroups(ctx context.Context) ([]string, error)
	Listeners(ctx context.Context, groupID string) ([]string, error)
	RemoveListener(ctx context.Context, groupID, userID string) error
}

// PresenceReader resolves aggregate user presence.
type PresenceReader interface {
	GetUserPresence(ctx context.Context, userID string) (session.UserPresence, error)
}

// ControlChecker resolves the control policy for a user in a group.
type ControlChecker interface {
	Controls(ctx context.Context, groupID, userID string) (bool, error)
}

// PlaybackPauser reads and pauses group playback.
type PlaybackPauser interface {
	Playback(ctx context.Context, groupID string) (session.PlaybackState, error)
	Pause(ctx context.Context, groupID, userID string) (session.PlaybackState, error)
}

// ListenerSweeper drops users from listener sets once their aggregate
// presence has gone offline, and optionally pauses a group whose controlling
// user was dropped.
type ListenerSweeper struct {
	store      ListenerStore
	presence   PresenceReader
	groups     ControlChecker
	clock      PlaybackPauser
	bus        events.PubSub
	logger     zerolog.Logger
	tick       time.Duration
	autoPause  bool
	broadcasts bool
}

// NewListenerSweeper creates the listener sweeper.
func NewListenerSweeper(store ListenerStore, presence PresenceReader, groups ControlChecker, clock PlaybackPauser, bus events.PubSub, tick time.Duration, autoPause, broadcasts bool, logger zerolog.Logger) *ListenerSweeper {
	return &ListenerSweeper{
		store:      store,
		presence:   presence,
		groups:     groups,
		clock:      clock,
		bus:        bus,
		logger:     logger.With().Str("component", "listener_sweeper").Logger(),
		tick:       tick,
		autoPause:  autoPause,
		broadcasts: broadcasts,
	}
}

// Run ticks until the context is cancelled.
func (s *ListenerSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *ListenerSweeper) runOnce(ctx context.Context) {
	telemetry.ReconcilerRunsTotal.WithLabelValues("listener_sweeper").Inc()

	groups, err := s.store.ScanListenerGroups(ctx)
	if err != nil {
		telemetry.ReconcilerFailuresTotal.WithLabelValues("listener_sweeper").Inc()
		s.logger.Warn().Err(err).Msg("listener scan failed")
		return
	}

	for _, groupID := range groups {
		if err := s.sweepGroup(ctx, groupID); err != nil {
			telemetry.ReconcilerFailuresTotal.WithLabelValues("listener_sweeper").Inc()
			s.logger.Warn().Err(err).Str("group_id", groupID).Msg("listener sweep failed")
		}
	}
}

func (s *ListenerSweeper) sweepGroup(ctx context.Context, groupID string) error {
	listeners, err := s.store.Listeners(ctx, groupID)
	if err != nil {
		return err
	}

	var removed []string
	for _, userID := range listeners {
		p, err := s.presence.GetUserPresence(ctx, userID)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("presence read failed")
			continue
		}
		if p.Online {
			continue
		}
		if err := s.store.RemoveListener(ctx, groupID, userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("listener remove failed")
			continue
		}
		removed = append(removed, userID)
	}
	if len(removed) == 0 {
		return nil
	}

	if s.broadcasts {
		remaining, err := s.store.Listeners(ctx, groupID)
		if err != nil {
			return err
		}
		s.bus.Publish(events.EventListenerUpdate, events.Payload{
			"groupId":   groupID,
			"listeners": remaining,
			"count":     len(remaining),
		})
	}

	if s.autoPause {
		if err := s.pauseIfControllerLeft(ctx, groupID, removed); err != nil {
			return err
		}
	}

	s.logger.Info().
		Str("group_id", groupID).
		Int("removed", len(removed)).
		Msg("swept offline listeners")
	return nil
}

func (s *ListenerSweeper) pauseIfControllerLeft(ctx context.Context, groupID string, removed []string) error {
	st, err := s.clock.Playback(ctx, groupID)
	if err != nil {
		return err
	}
	if !st.IsPlaying {
		return nil
	}

	for _, userID := range removed {
		controls, err := s.groups.Controls(ctx, groupID, userID)
		if err != nil {
			return err
		}
		if !controls {
			continue
		}
		if _, err := s.clock.Pause(ctx, groupID, SystemActor); err != nil {
			return err
		}
		s.logger.Info().Str("group_id", groupID).Str("user_id", userID).Msg("paused after controller left")
		return nil
	}
	return nil
}

// PresenceStore exposes the stale-device sweep.
type PresenceStore interface {
	Sweep(ctx context.Context) (scanned, offlined int, err error)
}

// PresenceSweeper periodically force-finalizes devices whose disconnect was
// never observed.
type PresenceSweeper struct {
	tracker PresenceStore
	logger  zerolog.Logger
	tick    time.Duration
}

// NewPresenceSweeper creates the presence sweeper.
func NewPresenceSweeper(tracker PresenceStore, tick time.Duration, logger zerolog.Logger) *PresenceSweeper {
	return &PresenceSweeper{
		tracker: tracker,
		logger:  logger.With().Str("component", "presence_sweeper").Logger(),
		tick:    tick,
	}
}

// Run ticks until the context is cancelled.
func (s *PresenceSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *PresenceSweeper) runOnce(ctx context.Context) {
	telemetry.ReconcilerRunsTotal.WithLabelValues("presence_sweeper").Inc()

	scanned, offlined, err := s.tracker.Sweep(ctx)
	if err != nil {
		telemetry.ReconcilerFailuresTotal.WithLabelValues("presence_sweeper").Inc()
		s.logger.Warn().Err(err).Msg("presence sweep failed")
		return
	}
	if offlined > 0 {
		s.logger.Info().Int("scanned", scanned).Int("offlined", offlined).Msg("swept stale devices")
	}
}
