/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package gateway is the realtime edge: one WebSocket per device, intents in,
// tagged acknowledgements and room broadcasts out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/friendsincode/harmony/internal/auth"
	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/groups"
	"github.com/friendsincode/harmony/internal/models"
	"github.com/friendsincode/harmony/internal/playback"
	"github.com/friendsincode/harmony/internal/presence"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/friendsincode/harmony/internal/requests"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/friendsincode/harmony/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
)

var errBadIntent = errors.New("malformed intent payload")

// ListenerStore is the listener-set surface the gateway mutates.
type ListenerStore interface {
	AddListener(ctx context.Context, groupID, userID string) error
	RemoveListener(ctx context.Context, groupID, userID string) error
	Listeners(ctx context.Context, groupID string) ([]string, error)
}

// client is one live WebSocket connection.
type client struct {
	userID   string
	deviceID string
	connID   string
	send     chan []byte
}

// intentFrame is the wire shape for client-to-server messages.
type intentFrame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ack is the wire shape for intent acknowledgements.
type ack struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	OK      bool           `json:"ok"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    events.Payload `json:"data,omitempty"`
}

// Gateway wires WebSocket connections to the session services.
type Gateway struct {
	hub       *Hub
	groups    *groups.Service
	queue     *queue.Engine
	clock     *playback.Clock
	requests  *requests.Service
	presence  *presence.Tracker
	listeners ListenerStore
	bus       events.PubSub
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a gateway.
func New(hub *Hub, groupSvc *groups.Service, engine *queue.Engine, clock *playback.Clock, requestSvc *requests.Service, tracker *presence.Tracker, listeners ListenerStore, bus events.PubSub, logger zerolog.Logger) *Gateway {
	return &Gateway{
		hub:       hub,
		groups:    groupSvc,
		queue:     engine,
		clock:     clock,
		requests:  requestSvc,
		presence:  tracker,
		listeners: listeners,
		bus:       bus,
		logger:    logger.With().Str("component", "gateway").Logger(),
		now:       time.Now,
	}
}

// Run starts the bus-to-room bridges and blocks until the context is
// cancelled. Events published on any node reach local rooms through here.
func (g *Gateway) Run(ctx context.Context) {
	groupEvents := []events.EventType{
		events.EventQueueState,
		events.EventPlaybackState,
		events.EventListenerUpdate,
		events.EventRequestCreated,
	}
	for _, eventType := range groupEvents {
		go g.bridge(ctx, eventType, "groupId", groupRoom)
	}

	userEvents := []events.EventType{
		events.EventRequestUpdate,
		events.EventPresenceState,
	}
	for _, eventType := range userEvents {
		go g.bridge(ctx, eventType, "userId", userRoom)
	}

	<-ctx.Done()
}

func (g *Gateway) bridge(ctx context.Context, eventType events.EventType, routeKey string, room func(string) string) {
	sub := g.bus.Subscribe(eventType)
	defer g.bus.Unsubscribe(eventType, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			id, _ := payload[routeKey].(string)
			if id == "" {
				continue
			}
			g.hub.Broadcast(room(id), frame{Type: string(eventType), Data: payload})
		}
	}
}

// HandleWebSocket upgrades the connection and runs its read/write loop.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if claims.DeviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	ctx := r.Context()
	c := &client{
		userID:   claims.UserID,
		deviceID: claims.DeviceID,
		connID:   uuid.NewString(),
		send:     make(chan []byte, 32),
	}

	g.hub.Join(userRoom(c.userID), c)
	defer g.hub.LeaveAll(c)

	userPresence, err := g.presence.Connect(ctx, c.userID, c.deviceID, c.connID)
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", c.userID).Msg("presence connect failed")
		conn.Close(ws.StatusInternalError, "presence unavailable")
		return
	}
	defer g.presence.Disconnect(c.userID, c.deviceID, c.connID)

	g.logger.Debug().
		Str("user_id", c.userID).
		Str("device_id", c.deviceID).
		Str("conn_id", c.connID).
		Msg("websocket connected")

	g.enqueue(c, frame{Type: "hello", Data: events.Payload{
		"connId":      c.connID,
		"serverNowMs": g.now().UnixMilli(),
		"presence": events.Payload{
			"online":        userPresence.Online,
			"devicesOnline": userPresence.DevicesOnline,
		},
	}})

	done := make(chan struct{})
	intentCh := make(chan intentFrame, 16)

	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ws.CloseStatus(err) == ws.StatusNormalClosure {
					return
				}
				g.logger.Debug().Err(err).Msg("websocket read error")
				return
			}

			var cmd intentFrame
			if err := json.Unmarshal(data, &cmd); err != nil {
				g.logger.Warn().Err(err).Msg("invalid websocket message")
				continue
			}

			select {
			case intentCh <- cmd:
			default:
				g.logger.Warn().Msg("intent channel full, dropping message")
			}
		}
	}()

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return

		case <-done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			g.enqueue(c, frame{Type: "ping", Data: events.Payload{"serverNowMs": g.now().UnixMilli()}})

		case data := <-c.send:
			if err := conn.Write(ctx, ws.MessageText, data); err != nil {
				g.logger.Debug().Err(err).Msg("websocket write failed")
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}

		case cmd := <-intentCh:
			if cmd.Type == "pong" {
				// Heartbeats keep quiet connections inside the presence
				// sweeper's stale window. No ack.
				g.presence.Heartbeat(ctx, c.userID, c.deviceID, c.connID)
				continue
			}
			res := g.handleIntent(ctx, c, cmd)

			code := res.Code
			if res.OK {
				code = "OK"
			}
			telemetry.IntentsTotal.WithLabelValues(cmd.Type, code).Inc()

			data, err := json.Marshal(ack{
				Type:    "ack",
				ID:      cmd.ID,
				OK:      res.OK,
				Code:    res.Code,
				Message: res.Message,
				Data:    res.Data,
			})
			if err != nil {
				g.logger.Error().Err(err).Msg("ack marshal failed")
				continue
			}
			select {
			case c.send <- data:
			default:
				g.logger.Warn().Str("conn_id", c.connID).Msg("send buffer full, dropping ack")
			}
		}
	}
}

func (g *Gateway) enqueue(c *client, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		g.logger.Error().Err(err).Str("type", f.Type).Msg("frame marshal failed")
		return
	}
	select {
	case c.send <- data:
	default:
		g.logger.Warn().Str("conn_id", c.connID).Msg("send buffer full, dropping frame")
	}
}

func (g *Gateway) handleIntent(ctx context.Context, c *client, cmd intentFrame) Result {
	res, err := g.dispatch(ctx, c, cmd)
	if err != nil {
		if classifyCode, _ := classify(err); classifyCode == CodeInternal {
			g.logger.Error().Err(err).
				Str("intent", cmd.Type).
				Str("user_id", c.userID).
				Msg("intent failed")
		}
		return errResult(err)
	}
	return res
}

func (g *Gateway) dispatch(ctx context.Context, c *client, cmd intentFrame) (Result, error) {
	switch cmd.Type {
	case "group:join":
		return g.groupJoin(ctx, c, cmd.Data)
	case "group:leave":
		return g.groupLeave(ctx, c, cmd.Data)
	case "state:get":
		return g.stateGet(ctx, c, cmd.Data)
	case "playback:start":
		return g.playbackStart(ctx, c, cmd.Data)
	case "playback:pause":
		return g.playbackTransition(ctx, c, cmd.Data, func(groupID string) (session.PlaybackState, error) {
			return g.clock.Pause(ctx, groupID, c.userID)
		})
	case "playback:next":
		return g.playbackTransition(ctx, c, cmd.Data, func(groupID string) (session.PlaybackState, error) {
			return g.clock.Step(ctx, groupID, c.userID, 1)
		})
	case "playback:prev":
		return g.playbackTransition(ctx, c, cmd.Data, func(groupID string) (session.PlaybackState, error) {
			return g.clock.Step(ctx, groupID, c.userID, -1)
		})
	case "playback:seek":
		return g.playbackSeek(ctx, c, cmd.Data)
	case "queue:append":
		return g.queueAppend(ctx, c, cmd.Data)
	case "queue:remove":
		return g.queueRemove(ctx, c, cmd.Data)
	case "queue:move":
		return g.queueMove(ctx, c, cmd.Data)
	case "queue:clear":
		return g.queueClear(ctx, c, cmd.Data)
	case "request:submit":
		return g.requestSubmit(ctx, c, cmd.Data)
	case "request:approve":
		return g.requestApprove(ctx, c, cmd.Data)
	case "request:reject":
		return g.requestReject(ctx, c, cmd.Data)
	case "presence:goodbye":
		return g.presenceGoodbye(ctx, c)
	default:
		g.logger.Warn().Str("intent", cmd.Type).Msg("unknown intent")
		return Result{}, errBadIntent
	}
}

type groupRef struct {
	GroupID string `json:"groupId"`
}

func (g *Gateway) requireMember(ctx context.Context, groupID, userID string) (groups.Membership, error) {
	if groupID == "" {
		return groups.Membership{}, errBadIntent
	}
	m, err := g.groups.Membership(ctx, groupID, userID)
	if err != nil {
		return groups.Membership{}, err
	}
	if !m.IsMember {
		return groups.Membership{}, errNotMember
	}
	return m, nil
}

func (g *Gateway) requireControl(ctx context.Context, groupID, userID string) error {
	m, err := g.requireMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !groups.CanControl(m) {
		return errForbidden
	}
	return nil
}

func (g *Gateway) groupJoin(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var ref groupRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return Result{}, errBadIntent
	}
	m, err := g.requireMember(ctx, ref.GroupID, c.userID)
	if err != nil {
		return Result{}, err
	}

	g.hub.Join(groupRoom(ref.GroupID), c)
	if err := g.listeners.AddListener(ctx, ref.GroupID, c.userID); err != nil {
		return Result{}, err
	}
	g.broadcastListeners(ctx, ref.GroupID)

	return g.snapshot(ctx, ref.GroupID, m)
}

func (g *Gateway) groupLeave(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var ref groupRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.GroupID == "" {
		return Result{}, errBadIntent
	}

	g.hub.Leave(groupRoom(ref.GroupID), c)
	if err := g.listeners.RemoveListener(ctx, ref.GroupID, c.userID); err != nil {
		return Result{}, err
	}
	g.broadcastListeners(ctx, ref.GroupID)

	return okResult(events.Payload{"groupId": ref.GroupID}), nil
}

func (g *Gateway) stateGet(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var ref groupRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return Result{}, errBadIntent
	}
	m, err := g.requireMember(ctx, ref.GroupID, c.userID)
	if err != nil {
		return Result{}, err
	}
	return g.snapshot(ctx, ref.GroupID, m)
}

// snapshot assembles the full session view. Moderation state is only
// included for callers who can act on it.
func (g *Gateway) snapshot(ctx context.Context, groupID string, m groups.Membership) (Result, error) {
	qst, err := g.queue.State(ctx, groupID)
	if err != nil {
		return Result{}, err
	}
	pst, err := g.clock.Playback(ctx, groupID)
	if err != nil {
		return Result{}, err
	}
	listeners, err := g.listeners.Listeners(ctx, groupID)
	if err != nil {
		return Result{}, err
	}

	payload := events.Payload{
		"groupId":          groupID,
		"controllerUserId": m.ControllerUserID,
		"queue":            queuePayload(qst),
		"playback":         playbackPayload(pst),
		"listeners":        listeners,
		"serverNowMs":      g.now().UnixMilli(),
	}

	if groups.CanControl(m) {
		pending, err := g.requests.Pending(ctx, groupID)
		if err != nil {
			return Result{}, err
		}
		payload["pendingRequests"] = requestPayloads(pending)
	}

	return okResult(payload), nil
}

func (g *Gateway) playbackTransition(ctx context.Context, c *client, data json.RawMessage, fn func(groupID string) (session.PlaybackState, error)) (Result, error) {
	var ref groupRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, ref.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	st, err := fn(ref.GroupID)
	if err != nil {
		return Result{}, err
	}
	return okResult(playbackPayload(st)), nil
}

func (g *Gateway) playbackStart(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID        string   `json:"groupId"`
		StartOffsetSec *float64 `json:"startOffsetSec"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	st, err := g.clock.Start(ctx, req.GroupID, c.userID, req.StartOffsetSec)
	if err != nil {
		return Result{}, err
	}
	return okResult(playbackPayload(st)), nil
}

func (g *Gateway) playbackSeek(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID     string  `json:"groupId"`
		PositionSec float64 `json:"positionSec"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	st, err := g.clock.Seek(ctx, req.GroupID, c.userID, req.PositionSec)
	if err != nil {
		return Result{}, err
	}
	return okResult(playbackPayload(st)), nil
}

func (g *Gateway) queueAppend(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID     string `json:"groupId"`
		BaseVersion int64  `json:"baseVersion"`
		Items       []struct {
			TrackRef    string  `json:"trackRef"`
			TrackURL    string  `json:"trackUrl"`
			Title       string  `json:"title"`
			Artist      string  `json:"artist"`
			DurationSec float64 `json:"durationSec"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	items := make([]models.QueueItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.QueueItem{
			TrackRef:    item.TrackRef,
			TrackURL:    item.TrackURL,
			Title:       item.Title,
			Artist:      item.Artist,
			DurationSec: item.DurationSec,
		})
	}

	st, err := g.queue.Append(ctx, req.GroupID, c.userID, req.BaseVersion, items)
	if err != nil {
		return Result{}, err
	}
	return okResult(queuePayload(st)), nil
}

func (g *Gateway) queueRemove(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID     string `json:"groupId"`
		BaseVersion int64  `json:"baseVersion"`
		ItemID      string `json:"itemId"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ItemID == "" {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	st, err := g.queue.Remove(ctx, req.GroupID, req.BaseVersion, req.ItemID)
	if err != nil {
		return Result{}, err
	}
	return okResult(queuePayload(st)), nil
}

func (g *Gateway) queueMove(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID     string `json:"groupId"`
		BaseVersion int64  `json:"baseVersion"`
		ItemID      string `json:"itemId"`
		ToIndex     int    `json:"toIndex"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ItemID == "" {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	st, err := g.queue.Move(ctx, req.GroupID, req.BaseVersion, req.ItemID, req.ToIndex)
	if err != nil {
		return Result{}, err
	}
	return okResult(queuePayload(st)), nil
}

func (g *Gateway) queueClear(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID     string `json:"groupId"`
		BaseVersion int64  `json:"baseVersion"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	st, err := g.queue.Clear(ctx, req.GroupID, req.BaseVersion)
	if err != nil {
		return Result{}, err
	}
	return okResult(queuePayload(st)), nil
}

func (g *Gateway) requestSubmit(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID     string  `json:"groupId"`
		TrackRef    string  `json:"trackRef"`
		TrackURL    string  `json:"trackUrl"`
		Title       string  `json:"title"`
		Artist      string  `json:"artist"`
		DurationSec float64 `json:"durationSec"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Result{}, errBadIntent
	}
	if _, err := g.requireMember(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	created, err := g.requests.Submit(ctx, req.GroupID, c.userID, requests.Submission{
		TrackRef:    req.TrackRef,
		TrackURL:    req.TrackURL,
		Title:       req.Title,
		Artist:      req.Artist,
		DurationSec: req.DurationSec,
	})
	if err != nil {
		return Result{}, err
	}
	return okResult(events.Payload{
		"requestId": created.ID,
		"status":    string(created.Status),
	}), nil
}

func (g *Gateway) requestApprove(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID     string `json:"groupId"`
		RequestID   string `json:"requestId"`
		BaseVersion int64  `json:"baseVersion"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	itemID, st, err := g.requests.Approve(ctx, req.GroupID, req.RequestID, c.userID, req.BaseVersion)
	if err != nil {
		return Result{}, err
	}
	return okResult(events.Payload{
		"requestId": req.RequestID,
		"itemId":    itemID,
		"version":   st.Version,
	}), nil
}

func (g *Gateway) requestReject(ctx context.Context, c *client, data json.RawMessage) (Result, error) {
	var req struct {
		GroupID   string `json:"groupId"`
		RequestID string `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" {
		return Result{}, errBadIntent
	}
	if err := g.requireControl(ctx, req.GroupID, c.userID); err != nil {
		return Result{}, err
	}

	if err := g.requests.Reject(ctx, req.GroupID, req.RequestID, c.userID, req.Reason); err != nil {
		return Result{}, err
	}
	return okResult(events.Payload{
		"requestId": req.RequestID,
		"status":    string(models.RequestRejected),
	}), nil
}

func (g *Gateway) presenceGoodbye(ctx context.Context, c *client) (Result, error) {
	p, err := g.presence.Goodbye(ctx, c.userID, c.deviceID, c.connID)
	if err != nil {
		return Result{}, err
	}
	return okResult(events.Payload{
		"online":        p.Online,
		"devicesOnline": p.DevicesOnline,
	}), nil
}

func (g *Gateway) broadcastListeners(ctx context.Context, groupID string) {
	listeners, err := g.listeners.Listeners(ctx, groupID)
	if err != nil {
		g.logger.Warn().Err(err).Str("group_id", groupID).Msg("listener read failed")
		return
	}
	g.bus.Publish(events.EventListenerUpdate, events.Payload{
		"groupId":   groupID,
		"listeners": listeners,
		"count":     len(listeners),
	})
}
