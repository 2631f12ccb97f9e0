/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue implements the versioned play queue. Every mutation is a
// single conditional UPDATE keyed on the version the caller last observed,
// so two writers racing on the same version can never both succeed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/models"
	"github.com/friendsincode/harmony/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrEmptyItems    = errors.New("no items to append")
	ErrItemNotFound  = errors.New("queue item not found")
	ErrEmptyQueue    = errors.New("queue is empty")
)

// ConflictError reports a stale-version mutation. ServerVersion always
// carries the authoritative current version so the caller can resync
// without a separate fetch.
type ConflictError struct {
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("queue version conflict, server at %d", e.ServerVersion)
}

// CapacityError reports that a mutation would exceed the queue size limit.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue capacity %d exceeded", e.Limit)
}

// State is a full queue snapshot.
type State struct {
	Items        models.QueueItemList
	CurrentIndex int
	Version      int64
}

// Engine mutates group queues against the durable store and broadcasts
// snapshots on success.
type Engine struct {
	db         *gorm.DB
	bus        events.PubSub
	logger     zerolog.Logger
	maxItems   int
	maxHistory int
	now        func() time.Time
}

// New creates a queue engine.
func New(db *gorm.DB, bus events.PubSub, maxItems, maxHistory int, logger zerolog.Logger) *Engine {
	return &Engine{
		db:         db,
		bus:        bus,
		logger:     logger.With().Str("component", "queue").Logger(),
		maxItems:   maxItems,
		maxHistory: maxHistory,
		now:        time.Now,
	}
}

// State reads the current queue snapshot for a group.
func (e *Engine) State(ctx context.Context, groupID string) (State, error) {
	return e.stateIn(e.db.WithContext(ctx), groupID)
}

func (e *Engine) stateIn(db *gorm.DB, groupID string) (State, error) {
	var group models.Group
	err := db.Select("id", "queue_items", "queue_current_index", "queue_version").
		First(&group, "id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, ErrGroupNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("load queue %s: %w", groupID, err)
	}
	return State{
		Items:        group.QueueItems,
		CurrentIndex: group.QueueCurrentIndex,
		Version:      group.QueueVersion,
	}, nil
}

// Append adds items to the end of the queue.
func (e *Engine) Append(ctx context.Context, groupID, userID string, baseVersion int64, items []models.QueueItem) (State, error) {
	st, err := e.AppendIn(e.db.WithContext(ctx), groupID, userID, baseVersion, items)
	if err != nil {
		return st, err
	}
	e.Broadcast(ctx, groupID, st)
	return st, nil
}

// AppendIn is the transactional append primitive. Request approval reuses it
// inside its own transaction so the status flip and the queue write commit
// together. The caller owns broadcasting.
func (e *Engine) AppendIn(db *gorm.DB, groupID, userID string, baseVersion int64, items []models.QueueItem) (State, error) {
	if len(items) == 0 {
		return State{}, ErrEmptyItems
	}

	st, err := e.stateIn(db, groupID)
	if err != nil {
		return State{}, err
	}
	if st.Version != baseVersion {
		telemetry.QueueConflictsTotal.Inc()
		return State{}, &ConflictError{ServerVersion: st.Version}
	}
	if len(st.Items)+len(items) > e.maxItems {
		return State{}, &CapacityError{Limit: e.maxItems}
	}

	nowMs := e.now().UnixMilli()
	next := append(models.QueueItemList(nil), st.Items...)
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.AddedBy = userID
		item.AddedAtMs = nowMs
		next = append(next, item)
	}

	return e.commit(db, groupID, baseVersion, next, st.CurrentIndex, nil)
}

// Remove deletes the item with the given id. The current pointer keeps
// tracking the same logical item, or the one after a removed current item.
func (e *Engine) Remove(ctx context.Context, groupID string, baseVersion int64, itemID string) (State, error) {
	st, err := e.State(ctx, groupID)
	if err != nil {
		return State{}, err
	}
	if st.Version != baseVersion {
		telemetry.QueueConflictsTotal.Inc()
		return State{}, &ConflictError{ServerVersion: st.Version}
	}

	at := indexOf(st.Items, itemID)
	if at < 0 {
		return State{}, ErrItemNotFound
	}

	next := append(models.QueueItemList(nil), st.Items[:at]...)
	next = append(next, st.Items[at+1:]...)

	idx := st.CurrentIndex
	switch {
	case idx < 0:
		// nothing selected
	case at < idx:
		idx--
	case at == idx:
		// Pointer stays put, now naming the item that followed the removed
		// one; clamp when the removed item was last.
		if idx >= len(next) {
			idx = len(next) - 1
		}
	}
	if len(next) == 0 {
		idx = -1
	}

	newState, err := e.commit(e.db.WithContext(ctx), groupID, baseVersion, next, idx, nil)
	if err != nil {
		return State{}, err
	}
	e.Broadcast(ctx, groupID, newState)
	return newState, nil
}

// Move relocates an item to toIndex (clamped). The current pointer follows
// the item it referenced, not its old numeric position.
func (e *Engine) Move(ctx context.Context, groupID string, baseVersion int64, itemID string, toIndex int) (State, error) {
	st, err := e.State(ctx, groupID)
	if err != nil {
		return State{}, err
	}
	if st.Version != baseVersion {
		telemetry.QueueConflictsTotal.Inc()
		return State{}, &ConflictError{ServerVersion: st.Version}
	}

	from := indexOf(st.Items, itemID)
	if from < 0 {
		return State{}, ErrItemNotFound
	}

	if toIndex < 0 {
		toIndex = 0
	}
	if toIndex > len(st.Items)-1 {
		toIndex = len(st.Items) - 1
	}

	var currentID string
	if st.CurrentIndex >= 0 && st.CurrentIndex < len(st.Items) {
		currentID = st.Items[st.CurrentIndex].ID
	}

	moved := st.Items[from]
	next := append(models.QueueItemList(nil), st.Items[:from]...)
	next = append(next, st.Items[from+1:]...)
	next = append(next[:toIndex], append(models.QueueItemList{moved}, next[toIndex:]...)...)

	idx := st.CurrentIndex
	if currentID != "" {
		idx = indexOf(next, currentID)
	}

	newState, err := e.commit(e.db.WithContext(ctx), groupID, baseVersion, next, idx, nil)
	if err != nil {
		return State{}, err
	}
	e.Broadcast(ctx, groupID, newState)
	return newState, nil
}

// Clear empties the queue and resets the pointer.
func (e *Engine) Clear(ctx context.Context, groupID string, baseVersion int64) (State, error) {
	st, err := e.State(ctx, groupID)
	if err != nil {
		return State{}, err
	}
	if st.Version != baseVersion {
		telemetry.QueueConflictsTotal.Inc()
		return State{}, &ConflictError{ServerVersion: st.Version}
	}

	newState, err := e.commit(e.db.WithContext(ctx), groupID, baseVersion, models.QueueItemList{}, -1, nil)
	if err != nil {
		return State{}, err
	}
	e.Broadcast(ctx, groupID, newState)
	return newState, nil
}

// Step advances the current pointer by direction, clamped to queue bounds,
// and reports whether it actually moved. "What is playing" is part of queue
// identity, so a successful step bumps the version. Steps are issued by the
// clock and the coordinator, not against a client-held version, so stale
// reads retry internally.
func (e *Engine) Step(ctx context.Context, groupID string, direction int) (State, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		st, err := e.State(ctx, groupID)
		if err != nil {
			return State{}, false, err
		}
		if len(st.Items) == 0 {
			return State{}, false, ErrEmptyQueue
		}

		cur := st.CurrentIndex
		next := cur + direction
		if cur < 0 {
			next = 0
		}
		if next < 0 {
			next = 0
		}
		if next > len(st.Items)-1 {
			next = len(st.Items) - 1
		}
		advanced := next != cur
		if !advanced {
			// A clamped step is a no-op: the version stays put so clients
			// holding it are not invalidated by nothing changing.
			return st, false, nil
		}

		var history models.HistoryList
		if direction > 0 && cur >= 0 && cur < len(st.Items) {
			history = e.appendHistory(ctx, groupID, st.Items[cur])
		}

		newState, err := e.commit(e.db.WithContext(ctx), groupID, st.Version, st.Items, next, history)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			return State{}, false, err
		}
		e.Broadcast(ctx, groupID, newState)
		return newState, advanced, nil
	}
	return State{}, false, fmt.Errorf("step %s: %w", groupID, &ConflictError{})
}

// EnsurePointer selects index 0 when nothing is selected yet.
func (e *Engine) EnsurePointer(ctx context.Context, groupID string) (State, error) {
	for attempt := 0; attempt < 3; attempt++ {
		st, err := e.State(ctx, groupID)
		if err != nil {
			return State{}, err
		}
		if len(st.Items) == 0 {
			return State{}, ErrEmptyQueue
		}
		if st.CurrentIndex >= 0 && st.CurrentIndex < len(st.Items) {
			return st, nil
		}

		newState, err := e.commit(e.db.WithContext(ctx), groupID, st.Version, st.Items, 0, nil)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			continue
		}
		if err != nil {
			return State{}, err
		}
		e.Broadcast(ctx, groupID, newState)
		return newState, nil
	}
	return State{}, fmt.Errorf("ensure pointer %s: %w", groupID, &ConflictError{})
}

// Broadcast publishes a full queue snapshot to the group's room.
func (e *Engine) Broadcast(ctx context.Context, groupID string, st State) {
	items := st.Items
	if items == nil {
		items = models.QueueItemList{}
	}
	e.bus.Publish(events.EventQueueState, events.Payload{
		"groupId":      groupID,
		"items":        items,
		"currentIndex": st.CurrentIndex,
		"version":      st.Version,
		"serverNowMs":  e.now().UnixMilli(),
	})
}

// commit performs the conditional update. The WHERE clause on queue_version
// is the compare half of the swap; RowsAffected zero means another writer
// won and the caller gets a conflict carrying the authoritative version.
func (e *Engine) commit(db *gorm.DB, groupID string, baseVersion int64, items models.QueueItemList, currentIndex int, history models.HistoryList) (State, error) {
	updates := &models.Group{
		QueueItems:        items,
		QueueCurrentIndex: currentIndex,
		QueueVersion:      baseVersion + 1,
	}
	columns := []string{"queue_items", "queue_current_index", "queue_version", "updated_at"}
	if history != nil {
		updates.QueueHistory = history
		columns = append(columns, "queue_history")
	}

	res := db.Model(&models.Group{}).
		Select(columns).
		Where("id = ? AND queue_version = ?", groupID, baseVersion).
		Updates(updates)
	if res.Error != nil {
		return State{}, fmt.Errorf("commit queue %s: %w", groupID, res.Error)
	}

	if res.RowsAffected == 0 {
		st, err := e.stateIn(db, groupID)
		if err != nil {
			return State{}, err
		}
		telemetry.QueueConflictsTotal.Inc()
		return State{}, &ConflictError{ServerVersion: st.Version}
	}

	return State{Items: items, CurrentIndex: currentIndex, Version: baseVersion + 1}, nil
}

// appendHistory builds the capped history list including the finished item.
// Best-effort: a read failure just skips the history write.
func (e *Engine) appendHistory(ctx context.Context, groupID string, finished models.QueueItem) models.HistoryList {
	var group models.Group
	err := e.db.WithContext(ctx).Select("id", "queue_history").
		First(&group, "id = ?", groupID).Error
	if err != nil {
		return nil
	}

	history := append(group.QueueHistory, models.HistoryEntry{
		ItemID:     finished.ID,
		Title:      finished.Title,
		Artist:     finished.Artist,
		PlayedAtMs: e.now().UnixMilli(),
	})
	if e.maxHistory > 0 && len(history) > e.maxHistory {
		history = history[len(history)-e.maxHistory:]
	}
	return history
}

func indexOf(items models.QueueItemList, itemID string) int {
	for i, item := range items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}
