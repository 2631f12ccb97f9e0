/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package presence aggregates per-device connections into per-user online
// state. Disconnects are debounced through a grace window so page reloads and
// network blips never flap the aggregate.
package presence

import (
	"context"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/friendsincode/harmony/internal/timers"
	"github.com/rs/zerolog"
)

// Store is the presence persistence surface, backed by the session store.
type Store interface {
	MarkOnline(ctx context.Context, userID, deviceID, connID string) (session.UserPresence, error)
	Heartbeat(ctx context.Context, userID, deviceID, connID string) error
	FinalizeOffline(ctx context.Context, userID, deviceID, connID string) (session.UserPresence, error)
	GetUserPresence(ctx context.Context, userID string) (session.UserPresence, error)
	SweepPresence(ctx context.Context, staleAfter time.Duration) (int, int, error)
}

// Tracker drives presence transitions for live connections.
type Tracker struct {
	store      Store
	timers     *timers.Scheduler
	bus        events.PubSub
	logger     zerolog.Logger
	grace      time.Duration
	staleAfter time.Duration
	broadcasts bool
}

// New creates a presence tracker.
func New(store Store, scheduler *timers.Scheduler, bus events.PubSub, grace, staleAfter time.Duration, broadcasts bool, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:      store,
		timers:     scheduler,
		bus:        bus,
		logger:     logger.With().Str("component", "presence").Logger(),
		grace:      grace,
		staleAfter: staleAfter,
		broadcasts: broadcasts,
	}
}

func graceKey(userID, deviceID string) string {
	return "presence:" + userID + ":" + deviceID
}

// Connect registers a live connection. Any pending offline for the same
// device is cancelled, so a reconnect within the grace window is invisible.
func (t *Tracker) Connect(ctx context.Context, userID, deviceID, connID string) (session.UserPresence, error) {
	t.timers.Cancel(graceKey(userID, deviceID))

	p, err := t.store.MarkOnline(ctx, userID, deviceID, connID)
	if err != nil {
		return session.UserPresence{}, err
	}
	t.broadcast(p)
	return p, nil
}

// Heartbeat refreshes a connection's liveness stamps. Best-effort: a failed
// refresh only risks an earlier sweep, never an incorrect state.
func (t *Tracker) Heartbeat(ctx context.Context, userID, deviceID, connID string) {
	if err := t.store.Heartbeat(ctx, userID, deviceID, connID); err != nil {
		t.logger.Debug().Err(err).
			Str("user_id", userID).
			Str("device_id", deviceID).
			Msg("presence heartbeat failed")
	}
}

// Disconnect schedules the device's offline transition after the grace
// window instead of applying it immediately.
func (t *Tracker) Disconnect(userID, deviceID, connID string) {
	t.timers.Schedule(graceKey(userID, deviceID), t.grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p, err := t.store.FinalizeOffline(ctx, userID, deviceID, connID)
		if err != nil {
			t.logger.Warn().Err(err).
				Str("user_id", userID).
				Str("device_id", deviceID).
				Msg("offline finalize failed")
			return
		}
		t.broadcast(p)
	})
}

// Goodbye applies the offline transition immediately, skipping the grace
// window. Used when a client announces an intentional departure.
func (t *Tracker) Goodbye(ctx context.Context, userID, deviceID, connID string) (session.UserPresence, error) {
	t.timers.Cancel(graceKey(userID, deviceID))

	p, err := t.store.FinalizeOffline(ctx, userID, deviceID, connID)
	if err != nil {
		return session.UserPresence{}, err
	}
	t.broadcast(p)
	return p, nil
}

// Presence reads a user's aggregate record.
func (t *Tracker) Presence(ctx context.Context, userID string) (session.UserPresence, error) {
	return t.store.GetUserPresence(ctx, userID)
}

// Sweep force-finalizes devices the normal disconnect path missed.
func (t *Tracker) Sweep(ctx context.Context) (scanned, offlined int, err error) {
	return t.store.SweepPresence(ctx, t.staleAfter)
}

func (t *Tracker) broadcast(p session.UserPresence) {
	if !t.broadcasts {
		return
	}
	t.bus.Publish(events.EventPresenceState, events.Payload{
		"userId":        p.UserID,
		"online":        p.Online,
		"devicesOnline": p.DevicesOnline,
		"lastSeenMs":    p.LastSeenMs,
	})
}
