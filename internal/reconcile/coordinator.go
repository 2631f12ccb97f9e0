/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package reconcile contains the periodic background jobs that converge live
// session state: track-end advancement, listener set cleanup, and presence
// sweeping. Every job is idempotent and leaderless; multiple instances
// running the same pass converge on the same state.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/harmony/internal/playback"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/friendsincode/harmony/internal/telemetry"
	"github.com/rs/zerolog"
)

// SystemActor attributes reconciler-driven transitions.
const SystemActor = "system"

// PlaybackScanner is the live-state surface the coordinator reads.
type PlaybackScanner interface {
	ScanPlaybackGroups(ctx context.Context) ([]string, error)
	GetPlayback(ctx context.Context, groupID string) (session.PlaybackState, bool, error)
}

// Stepper advances a group to its next track.
type Stepper interface {
	Step(ctx context.Context, groupID, userID string, direction int) (session.PlaybackState, error)
}

// QueueReader reads queue snapshots.
type QueueReader interface {
	State(ctx context.Context, groupID string) (queue.State, error)
}

// Coordinator advances groups whose current track has run past its end. The
// pad absorbs client-side buffering so listeners are not cut off mid-fade.
type Coordinator struct {
	store  PlaybackScanner
	clock  Stepper
	queue  QueueReader
	logger zerolog.Logger
	tick   time.Duration
	endPad time.Duration
	now    func() time.Time
}

// NewCoordinator creates the playback coordinator.
func NewCoordinator(store PlaybackScanner, clock Stepper, queueReader QueueReader, tick, endPad time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		clock:  clock,
		queue:  queueReader,
		logger: logger.With().Str("component", "coordinator").Logger(),
		tick:   tick,
		endPad: endPad,
		now:    time.Now,
	}
}

// Run ticks until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Coordinator) runOnce(ctx context.Context) {
	telemetry.ReconcilerRunsTotal.WithLabelValues("coordinator").Inc()

	groups, err := c.store.ScanPlaybackGroups(ctx)
	if err != nil {
		telemetry.ReconcilerFailuresTotal.WithLabelValues("coordinator").Inc()
		c.logger.Warn().Err(err).Msg("playback scan failed")
		return
	}

	for _, groupID := range groups {
		if err := c.reconcileGroup(ctx, groupID); err != nil {
			telemetry.ReconcilerFailuresTotal.WithLabelValues("coordinator").Inc()
			c.logger.Warn().Err(err).Str("group_id", groupID).Msg("group reconcile failed")
		}
	}
}

func (c *Coordinator) reconcileGroup(ctx context.Context, groupID string) error {
	st, found, err := c.store.GetPlayback(ctx, groupID)
	if err != nil {
		return err
	}
	if !found || !st.IsPlaying {
		return nil
	}

	qst, err := c.queue.State(ctx, groupID)
	if errors.Is(err, queue.ErrGroupNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.QueueIndex < 0 || st.QueueIndex >= len(qst.Items) {
		return nil
	}

	duration := qst.Items[st.QueueIndex].DurationSec
	if duration <= 0 {
		// Unknown length, nothing to converge on.
		return nil
	}

	remaining := duration - playback.EffectiveOffsetSec(st, c.now().UnixMilli())
	if remaining > -c.endPad.Seconds() {
		return nil
	}

	_, err = c.clock.Step(ctx, groupID, SystemActor, 1)
	if errors.Is(err, queue.ErrEmptyQueue) {
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("group_id", groupID).
		Int("from_index", st.QueueIndex).
		Msg("advanced past track end")
	return nil
}
