/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PlaybackState is the live playback snapshot stored per group. The effective
// offset at time t is StartOffsetSec + max(0, t-StartAtServerMs)/1000 while
// playing, else StartOffsetSec.
type PlaybackState struct {
	IsPlaying      bool
	StartAtServerMs int64
	StartOffsetSec float64
	QueueIndex     int
	UpdatedBy      string
}

// UserPresence is the per-user aggregate presence record.
type UserPresence struct {
	UserID        string
	Online        bool
	DevicesOnline int64
	LastSeenMs    int64
}

// DevicePresence is the per-device presence record.
type DevicePresence struct {
	UserID     string
	DeviceID   string
	Online     bool
	LastSeenMs int64
	Conns      int64
}

// Config contains session store configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PlaybackTTL time.Duration // playback hash lifetime, refreshed on write
	ConnTTL     time.Duration // connection pointer soft TTL
}

// DefaultConfig returns default session store configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:   "localhost:6379",
		PlaybackTTL: 6 * time.Hour,
		ConnTTL:     12 * time.Hour,
	}
}

// Store is the Redis-backed session state adapter.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
	config Config
	now    func() time.Time
}

// New creates a session store and verifies connectivity. Unlike caches the
// session store is load-bearing, so an unreachable Redis is a hard error.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.PlaybackTTL <= 0 {
		cfg.PlaybackTTL = 6 * time.Hour
	}
	if cfg.ConnTTL <= 0 {
		cfg.ConnTTL = 12 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session store ping: %w", err)
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("session store initialized")

	return &Store{
		client: client,
		logger: logger.With().Str("component", "session").Logger(),
		config: cfg,
		now:    time.Now,
	}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Playback state

// GetPlayback reads the live playback hash for a group.
func (s *Store) GetPlayback(ctx context.Context, groupID string) (PlaybackState, bool, error) {
	fields, err := s.client.HGetAll(ctx, playbackKey(groupID)).Result()
	if err != nil {
		return PlaybackState{}, false, fmt.Errorf("get playback %s: %w", groupID, err)
	}
	if len(fields) == 0 {
		return PlaybackState{}, false, nil
	}

	st := PlaybackState{
		IsPlaying:      fields["isPlaying"] == "1",
		UpdatedBy:      fields["updatedBy"],
		QueueIndex:     -1,
	}
	if v, err := strconv.ParseInt(fields["startAtServerMs"], 10, 64); err == nil {
		st.StartAtServerMs = v
	}
	if v, err := strconv.ParseFloat(fields["startOffsetSec"], 64); err == nil {
		st.StartOffsetSec = v
	}
	if v, err := strconv.Atoi(fields["queueIndex"]); err == nil {
		st.QueueIndex = v
	}
	return st, true, nil
}

// SetPlayback writes the playback hash and refreshes its TTL.
func (s *Store) SetPlayback(ctx context.Context, groupID string, st PlaybackState) error {
	key := playbackKey(groupID)

	playing := "0"
	if st.IsPlaying {
		playing = "1"
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"isPlaying":       playing,
		"startAtServerMs": strconv.FormatInt(st.StartAtServerMs, 10),
		"startOffsetSec":  strconv.FormatFloat(st.StartOffsetSec, 'f', -1, 64),
		"queueIndex":      strconv.Itoa(st.QueueIndex),
		"updatedBy":       st.UpdatedBy,
	})
	pipe.Expire(ctx, key, s.config.PlaybackTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set playback %s: %w", groupID, err)
	}
	return nil
}

// TouchPlayback refreshes the playback hash TTL without rewriting it.
func (s *Store) TouchPlayback(ctx context.Context, groupID string) error {
	return s.client.Expire(ctx, playbackKey(groupID), s.config.PlaybackTTL).Err()
}

// DeletePlayback removes the live playback hash.
func (s *Store) DeletePlayback(ctx context.Context, groupID string) error {
	return s.client.Del(ctx, playbackKey(groupID)).Err()
}

// ScanPlaybackGroups returns ids of groups with a live playback entry.
func (s *Store) ScanPlaybackGroups(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, keyPlayback+"*")
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, groupFromKey(key, keyPlayback))
	}
	return groups, nil
}

// Listener sets

// AddListener marks a user as actively listening to a group.
func (s *Store) AddListener(ctx context.Context, groupID, userID string) error {
	return s.client.SAdd(ctx, listenersKey(groupID), userID).Err()
}

// RemoveListener removes a user from a group's listener set.
func (s *Store) RemoveListener(ctx context.Context, groupID, userID string) error {
	return s.client.SRem(ctx, listenersKey(groupID), userID).Err()
}

// Listeners returns the user ids actively listening to a group.
func (s *Store) Listeners(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, listenersKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listeners %s: %w", groupID, err)
	}
	return members, nil
}

// ListenerCount returns the size of a group's listener set.
func (s *Store) ListenerCount(ctx context.Context, groupID string) (int64, error) {
	return s.client.SCard(ctx, listenersKey(groupID)).Result()
}

// ScanListenerGroups returns ids of groups with a non-empty listener set.
func (s *Store) ScanListenerGroups(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, keyListeners+"*")
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, groupFromKey(key, keyListeners))
	}
	return groups, nil
}

// Throttles

// IncrRequestWindow bumps the fixed-window request counter for (group,user)
// and returns the new count plus the time left in the window.
func (s *Store) IncrRequestWindow(ctx context.Context, groupID, userID string, window time.Duration) (int64, time.Duration, error) {
	key := requestRateKey(groupID, userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("incr request window: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, window, fmt.Errorf("expire request window: %w", err)
		}
		return count, window, nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// Counter without expiry (crash between INCR and EXPIRE); reattach.
		_ = s.client.Expire(ctx, key, window).Err()
		ttl = window
	}
	return count, ttl, nil
}

// SeekCooldownRemaining reports time left on the (group,user) seek throttle.
// Zero means no active cooldown.
func (s *Store) SeekCooldownRemaining(ctx context.Context, groupID, userID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, seekCooldownKey(groupID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("seek cooldown ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// SetSeekCooldown arms the (group,user) seek throttle.
func (s *Store) SetSeekCooldown(ctx context.Context, groupID, userID string, window time.Duration) error {
	return s.client.Set(ctx, seekCooldownKey(groupID, userID), "1", window).Err()
}

// Presence

// MarkOnline records a live connection for (user,device) and updates the
// device and user aggregate records. Returns the user's aggregate presence
// after the transition.
func (s *Store) MarkOnline(ctx context.Context, userID, deviceID, connID string) (UserPresence, error) {
	nowMs := s.now().UnixMilli()

	if err := s.client.Set(ctx, connKey(connID), userID+":"+deviceID, s.config.ConnTTL).Err(); err != nil {
		return UserPresence{}, fmt.Errorf("set conn pointer: %w", err)
	}
	if err := s.client.SAdd(ctx, deviceConnsKey(userID, deviceID), connID).Err(); err != nil {
		return UserPresence{}, fmt.Errorf("add device conn: %w", err)
	}

	wasOnline, err := s.deviceOnline(ctx, userID, deviceID)
	if err != nil {
		return UserPresence{}, err
	}

	if err := s.client.HSet(ctx, deviceKey(userID, deviceID), map[string]any{
		"online":   "1",
		"lastSeen": strconv.FormatInt(nowMs, 10),
	}).Err(); err != nil {
		return UserPresence{}, fmt.Errorf("set device presence: %w", err)
	}

	if !wasOnline {
		devices, err := s.client.HIncrBy(ctx, userKey(userID), "devicesOnline", 1).Result()
		if err != nil {
			return UserPresence{}, fmt.Errorf("incr devices online: %w", err)
		}
		fields := map[string]any{"lastSeen": strconv.FormatInt(nowMs, 10)}
		if devices == 1 {
			fields["online"] = "1"
		}
		if err := s.client.HSet(ctx, userKey(userID), fields).Err(); err != nil {
			return UserPresence{}, fmt.Errorf("set user presence: %w", err)
		}
	} else {
		if err := s.client.HSet(ctx, userKey(userID), "lastSeen", strconv.FormatInt(nowMs, 10)).Err(); err != nil {
			return UserPresence{}, fmt.Errorf("touch user presence: %w", err)
		}
	}

	return s.GetUserPresence(ctx, userID)
}

// Heartbeat refreshes liveness for one connection: the conn pointer TTL plus
// the device and user lastSeen stamps. Quiet-but-connected devices depend on
// this to stay inside the sweeper's stale window.
func (s *Store) Heartbeat(ctx context.Context, userID, deviceID, connID string) error {
	seen := strconv.FormatInt(s.now().UnixMilli(), 10)

	if connID != "" {
		_ = s.client.Expire(ctx, connKey(connID), s.config.ConnTTL).Err()
	}
	if err := s.client.HSet(ctx, deviceKey(userID, deviceID), "lastSeen", seen).Err(); err != nil {
		return fmt.Errorf("touch device presence: %w", err)
	}
	if err := s.client.HSet(ctx, userKey(userID), "lastSeen", seen).Err(); err != nil {
		return fmt.Errorf("touch user presence: %w", err)
	}
	return nil
}

// deviceOnline reads the device hash's online flag. A missing hash counts as
// offline.
func (s *Store) deviceOnline(ctx context.Context, userID, deviceID string) (bool, error) {
	online, err := s.client.HGet(ctx, deviceKey(userID, deviceID), "online").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read device online flag: %w", err)
	}
	return online == "1", nil
}

// FinalizeOffline removes a connection (connID may be empty when called from
// the sweeper) and, if the device has no live connections left, marks the
// device offline and decrements the user aggregate. Returns the user's
// aggregate presence after the transition.
func (s *Store) FinalizeOffline(ctx context.Context, userID, deviceID, connID string) (UserPresence, error) {
	nowMs := s.now().UnixMilli()

	if connID != "" {
		_ = s.client.Del(ctx, connKey(connID)).Err()
		if err := s.client.SRem(ctx, deviceConnsKey(userID, deviceID), connID).Err(); err != nil {
			return UserPresence{}, fmt.Errorf("remove device conn: %w", err)
		}
	}

	remaining, err := s.client.SCard(ctx, deviceConnsKey(userID, deviceID)).Result()
	if err != nil {
		return UserPresence{}, fmt.Errorf("count device conns: %w", err)
	}
	if remaining > 0 {
		// Other connections keep the device online. The sweeper prunes dead
		// conn entries before it gets here, so a non-empty set means live
		// sockets.
		_ = s.client.HSet(ctx, deviceKey(userID, deviceID), "lastSeen", strconv.FormatInt(nowMs, 10)).Err()
		return s.GetUserPresence(ctx, userID)
	}

	wasOnline, err := s.deviceOnline(ctx, userID, deviceID)
	if err != nil {
		return UserPresence{}, err
	}

	if err := s.client.HSet(ctx, deviceKey(userID, deviceID), map[string]any{
		"online":   "0",
		"lastSeen": strconv.FormatInt(nowMs, 10),
	}).Err(); err != nil {
		return UserPresence{}, fmt.Errorf("set device offline: %w", err)
	}
	_ = s.client.Del(ctx, deviceConnsKey(userID, deviceID)).Err()

	if wasOnline {
		devices, err := s.client.HIncrBy(ctx, userKey(userID), "devicesOnline", -1).Result()
		if err != nil {
			return UserPresence{}, fmt.Errorf("decr devices online: %w", err)
		}
		fields := map[string]any{"lastSeen": strconv.FormatInt(nowMs, 10)}
		if devices <= 0 {
			// devicesOnline never goes negative.
			fields["devicesOnline"] = "0"
			fields["online"] = "0"
		}
		if err := s.client.HSet(ctx, userKey(userID), fields).Err(); err != nil {
			return UserPresence{}, fmt.Errorf("set user offline: %w", err)
		}
	} else {
		_ = s.client.HSet(ctx, userKey(userID), "lastSeen", strconv.FormatInt(nowMs, 10)).Err()
	}

	return s.GetUserPresence(ctx, userID)
}

// GetUserPresence reads the per-user aggregate record.
func (s *Store) GetUserPresence(ctx context.Context, userID string) (UserPresence, error) {
	fields, err := s.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return UserPresence{}, fmt.Errorf("get user presence: %w", err)
	}

	p := UserPresence{UserID: userID}
	p.Online = fields["online"] == "1"
	if v, err := strconv.ParseInt(fields["devicesOnline"], 10, 64); err == nil && v > 0 {
		p.DevicesOnline = v
	}
	if v, err := strconv.ParseInt(fields["lastSeen"], 10, 64); err == nil {
		p.LastSeenMs = v
	}
	return p, nil
}

// GetDevicePresence reads one device record plus its live connection count.
func (s *Store) GetDevicePresence(ctx context.Context, userID, deviceID string) (DevicePresence, error) {
	fields, err := s.client.HGetAll(ctx, deviceKey(userID, deviceID)).Result()
	if err != nil {
		return DevicePresence{}, fmt.Errorf("get device presence: %w", err)
	}
	conns, err := s.client.SCard(ctx, deviceConnsKey(userID, deviceID)).Result()
	if err != nil {
		return DevicePresence{}, fmt.Errorf("count device conns: %w", err)
	}

	p := DevicePresence{UserID: userID, DeviceID: deviceID, Conns: conns}
	p.Online = fields["online"] == "1"
	if v, err := strconv.ParseInt(fields["lastSeen"], 10, 64); err == nil {
		p.LastSeenMs = v
	}
	return p, nil
}

// SweepPresence force-finalizes stale online devices whose connections are
// all gone. This is the backstop for crashes that skip the normal disconnect
// path; a device with live sockets is never taken offline, no matter how old
// its lastSeen is.
func (s *Store) SweepPresence(ctx context.Context, staleAfter time.Duration) (scanned, offlined int, err error) {
	keys, err := s.scanKeys(ctx, keyDevice+"*")
	if err != nil {
		return 0, 0, err
	}

	nowMs := s.now().UnixMilli()
	staleMs := staleAfter.Milliseconds()

	for _, key := range keys {
		userID, deviceID, ok := deviceFromKey(key)
		if !ok {
			continue
		}
		scanned++

		device, err := s.GetDevicePresence(ctx, userID, deviceID)
		if err != nil {
			s.logger.Warn().Err(err).Str("device_key", key).Msg("presence sweep read failed")
			continue
		}
		if !device.Online {
			continue
		}
		if nowMs-device.LastSeenMs <= staleMs {
			continue
		}

		live, err := s.pruneDeadConns(ctx, userID, deviceID)
		if err != nil {
			s.logger.Warn().Err(err).Str("device_key", key).Msg("presence sweep prune failed")
			continue
		}
		if live > 0 {
			// Sockets remain; the device stays online and its stamp resets
			// so the next sweep does not revisit it immediately.
			_ = s.Heartbeat(ctx, userID, deviceID, "")
			continue
		}

		if _, err := s.FinalizeOffline(ctx, userID, deviceID, ""); err != nil {
			s.logger.Warn().Err(err).Str("device_key", key).Msg("presence sweep finalize failed")
			continue
		}
		offlined++
	}

	return scanned, offlined, nil
}

// pruneDeadConns drops connection ids whose pointers have expired and
// returns how many live connections remain.
func (s *Store) pruneDeadConns(ctx context.Context, userID, deviceID string) (int64, error) {
	conns, err := s.client.SMembers(ctx, deviceConnsKey(userID, deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list device conns: %w", err)
	}

	var live int64
	for _, connID := range conns {
		exists, err := s.client.Exists(ctx, connKey(connID)).Result()
		if err != nil {
			return live, fmt.Errorf("check conn pointer: %w", err)
		}
		if exists == 0 {
			_ = s.client.SRem(ctx, deviceConnsKey(userID, deviceID), connID).Err()
			continue
		}
		live++
	}
	return live, nil
}

// scanKeys iterates the keyspace with SCAN (never KEYS).
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
