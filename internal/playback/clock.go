/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback maintains the shared playback clock. Positions are never
// streamed; clients derive them from an anchor (start timestamp plus offset)
// and their clock sync, so state only changes on explicit transitions.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/models"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrInvalidPosition indicates a negative seek target.
var ErrInvalidPosition = errors.New("invalid seek position")

// CooldownError reports a throttled seek and how long until the next one is
// accepted.
type CooldownError struct {
	RetryIn time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("seek throttled, retry in %s", e.RetryIn)
}

// SessionStore is the live-state surface the clock needs.
type SessionStore interface {
	GetPlayback(ctx context.Context, groupID string) (session.PlaybackState, bool, error)
	SetPlayback(ctx context.Context, groupID string, st session.PlaybackState) error
	SeekCooldownRemaining(ctx context.Context, groupID, userID string) (time.Duration, error)
	SetSeekCooldown(ctx context.Context, groupID, userID string, window time.Duration) error
}

// Clock owns playback transitions for all groups. Writes go to the session
// store first (the live source of truth) with a best-effort durable copy for
// cold start.
type Clock struct {
	db            *gorm.DB
	store         SessionStore
	queue         *queue.Engine
	bus           events.PubSub
	logger        zerolog.Logger
	scheduleAhead time.Duration
	cooldown      time.Duration
	now           func() time.Time
}

// New creates a playback clock.
func New(db *gorm.DB, store SessionStore, engine *queue.Engine, bus events.PubSub, scheduleAhead, cooldown time.Duration, logger zerolog.Logger) *Clock {
	return &Clock{
		db:            db,
		store:         store,
		queue:         engine,
		bus:           bus,
		logger:        logger.With().Str("component", "playback").Logger(),
		scheduleAhead: scheduleAhead,
		cooldown:      cooldown,
		now:           time.Now,
	}
}

// EffectiveOffsetSec computes the track position implied by a snapshot at
// server time atMs. Time before the scheduled start anchor does not count.
func EffectiveOffsetSec(st session.PlaybackState, atMs int64) float64 {
	if !st.IsPlaying {
		return st.StartOffsetSec
	}
	elapsed := atMs - st.StartAtServerMs
	if elapsed < 0 {
		elapsed = 0
	}
	return st.StartOffsetSec + float64(elapsed)/1000.0
}

// Playback returns the live snapshot for a group, rehydrating from the
// durable copy when the session store has expired it.
func (c *Clock) Playback(ctx context.Context, groupID string) (session.PlaybackState, error) {
	st, found, err := c.store.GetPlayback(ctx, groupID)
	if err != nil {
		return session.PlaybackState{}, err
	}
	if found {
		return st, nil
	}

	var group models.Group
	err = c.db.WithContext(ctx).
		Select("id", "queue_current_index", "playback_is_playing", "playback_start_at_ms", "playback_start_offset_sec", "playback_updated_by").
		First(&group, "id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.PlaybackState{}, queue.ErrGroupNotFound
	}
	if err != nil {
		return session.PlaybackState{}, fmt.Errorf("load durable playback %s: %w", groupID, err)
	}

	st = session.PlaybackState{
		// A snapshot that was playing when it expired is stale by definition;
		// rehydrate paused at the frozen position.
		IsPlaying:      false,
		StartOffsetSec: EffectiveOffsetSec(session.PlaybackState{
			IsPlaying:       group.PlaybackIsPlaying,
			StartAtServerMs: group.PlaybackStartAtMs,
			StartOffsetSec:  group.PlaybackStartOffsetSec,
		}, c.now().UnixMilli()),
		QueueIndex: group.QueueCurrentIndex,
		UpdatedBy:  group.PlaybackUpdatedBy,
	}
	if err := c.store.SetPlayback(ctx, groupID, st); err != nil {
		c.logger.Warn().Err(err).Str("group_id", groupID).Msg("playback rehydrate write failed")
	}
	return st, nil
}

// Start begins or resumes playback. The start anchor is scheduled slightly
// in the future so every listener can line up on it. A non-nil offsetSec
// overrides the resume position (clamped to zero); nil resumes from the
// frozen offset when the pointer has not moved.
func (c *Clock) Start(ctx context.Context, groupID, userID string, offsetSec *float64) (session.PlaybackState, error) {
	qst, err := c.queue.EnsurePointer(ctx, groupID)
	if err != nil {
		return session.PlaybackState{}, err
	}

	prev, err := c.Playback(ctx, groupID)
	if err != nil {
		return session.PlaybackState{}, err
	}

	offset := 0.0
	if prev.QueueIndex == qst.CurrentIndex {
		offset = prev.StartOffsetSec
	}
	if offsetSec != nil {
		offset = *offsetSec
		if offset < 0 {
			offset = 0
		}
	}

	st := session.PlaybackState{
		IsPlaying:       true,
		StartAtServerMs: c.now().UnixMilli() + c.scheduleAhead.Milliseconds(),
		StartOffsetSec:  offset,
		QueueIndex:      qst.CurrentIndex,
		UpdatedBy:       userID,
	}
	return st, c.apply(ctx, groupID, st)
}

// Pause freezes playback at the current effective position.
func (c *Clock) Pause(ctx context.Context, groupID, userID string) (session.PlaybackState, error) {
	prev, err := c.Playback(ctx, groupID)
	if err != nil {
		return session.PlaybackState{}, err
	}

	st := session.PlaybackState{
		IsPlaying:       false,
		StartAtServerMs: 0,
		StartOffsetSec:  EffectiveOffsetSec(prev, c.now().UnixMilli()),
		QueueIndex:      prev.QueueIndex,
		UpdatedBy:       userID,
	}
	return st, c.apply(ctx, groupID, st)
}

// Seek jumps to positionSec, throttled per (group,user). A playing group is
// re-anchored on a fresh scheduled start so listeners converge again.
func (c *Clock) Seek(ctx context.Context, groupID, userID string, positionSec float64) (session.PlaybackState, error) {
	if positionSec < 0 {
		return session.PlaybackState{}, ErrInvalidPosition
	}

	remaining, err := c.store.SeekCooldownRemaining(ctx, groupID, userID)
	if err != nil {
		return session.PlaybackState{}, err
	}
	if remaining > 0 {
		return session.PlaybackState{}, &CooldownError{RetryIn: remaining}
	}

	prev, err := c.Playback(ctx, groupID)
	if err != nil {
		return session.PlaybackState{}, err
	}

	// Armed only once the group resolved; a rejected seek never burns the
	// caller's window.
	if err := c.store.SetSeekCooldown(ctx, groupID, userID, c.cooldown); err != nil {
		return session.PlaybackState{}, err
	}

	st := session.PlaybackState{
		IsPlaying:      prev.IsPlaying,
		StartOffsetSec: positionSec,
		QueueIndex:     prev.QueueIndex,
		UpdatedBy:      userID,
	}
	if st.IsPlaying {
		st.StartAtServerMs = c.now().UnixMilli() + c.scheduleAhead.Milliseconds()
	}
	return st, c.apply(ctx, groupID, st)
}

// Step moves the queue pointer by direction and restarts the clock at the
// head of the newly selected item. Stepping forward past the last item stops
// playback instead of wrapping around.
func (c *Clock) Step(ctx context.Context, groupID, userID string, direction int) (session.PlaybackState, error) {
	qst, advanced, err := c.queue.Step(ctx, groupID, direction)
	if err != nil {
		return session.PlaybackState{}, err
	}

	prev, err := c.Playback(ctx, groupID)
	if err != nil {
		return session.PlaybackState{}, err
	}

	st := session.PlaybackState{
		QueueIndex: qst.CurrentIndex,
		UpdatedBy:  userID,
	}
	switch {
	case !advanced && direction > 0:
		// End of queue.
		st.IsPlaying = false
	case prev.IsPlaying:
		st.IsPlaying = true
		st.StartAtServerMs = c.now().UnixMilli() + c.scheduleAhead.Milliseconds()
	}
	return st, c.apply(ctx, groupID, st)
}

// apply writes the snapshot live, mirrors it durably, and broadcasts it.
func (c *Clock) apply(ctx context.Context, groupID string, st session.PlaybackState) error {
	if err := c.store.SetPlayback(ctx, groupID, st); err != nil {
		return err
	}

	err := c.db.WithContext(ctx).Model(&models.Group{}).
		Where("id = ?", groupID).
		Updates(map[string]any{
			"playback_is_playing":       st.IsPlaying,
			"playback_start_at_ms":      st.StartAtServerMs,
			"playback_start_offset_sec": st.StartOffsetSec,
			"playback_updated_by":       st.UpdatedBy,
		}).Error
	if err != nil {
		// The live copy already committed; the durable mirror only serves
		// cold start.
		c.logger.Warn().Err(err).Str("group_id", groupID).Msg("durable playback mirror failed")
	}

	c.Broadcast(groupID, st)
	return nil
}

// Broadcast publishes a playback snapshot to the group's room.
func (c *Clock) Broadcast(groupID string, st session.PlaybackState) {
	c.bus.Publish(events.EventPlaybackState, events.Payload{
		"groupId":         groupID,
		"isPlaying":       st.IsPlaying,
		"startAtServerMs": st.StartAtServerMs,
		"startOffsetSec":  st.StartOffsetSec,
		"queueIndex":      st.QueueIndex,
		"updatedBy":       st.UpdatedBy,
		"serverNowMs":     c.now().UnixMilli(),
	})
}
