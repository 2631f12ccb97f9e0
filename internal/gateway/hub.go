/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gateway

import (
	"encoding/json"
	"sync"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/rs/zerolog"
)

// frame is the wire shape for server-to-client messages.
type frame struct {
	Type string         `json:"type"`
	Data events.Payload `json:"data,omitempty"`
}

func groupRoom(groupID string) string { return "grp:" + groupID }
func userRoom(userID string) string   { return "usr:" + userID }

// Hub fans frames out to connections by room. Group rooms carry shared
// session state; each user also sits in a private room for review outcomes
// and presence.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	members map[*client]map[string]struct{}
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*client]struct{}),
		members: make(map[*client]map[string]struct{}),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Join adds a client to a room.
func (h *Hub) Join(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][c] = struct{}{}

	if h.members[c] == nil {
		h.members[c] = make(map[string]struct{})
	}
	h.members[c][room] = struct{}{}
}

// Leave removes a client from a room.
func (h *Hub) Leave(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

// LeaveAll removes a client from every room it joined.
func (h *Hub) LeaveAll(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.members[c] {
		h.leaveLocked(room, c)
	}
}

func (h *Hub) leaveLocked(room string, c *client) {
	if subs, ok := h.rooms[room]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.members[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.members, c)
		}
	}
}

// InRoom reports whether the client joined the room.
func (h *Hub) InRoom(room string, c *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// RoomSize returns the number of clients in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast delivers a frame to every client in the room. Slow clients drop
// frames rather than stalling the room; they resync from a state fetch.
func (h *Hub) Broadcast(room string, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error().Err(err).Str("type", f.Type).Msg("frame marshal failed")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("room", room).Str("conn_id", c.connID).Msg("send buffer full, dropping frame")
		}
	}
}
