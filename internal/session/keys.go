/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session is the adapter over the shared fast store: playback hashes,
// listener sets, rate-limit windows, seek cooldowns, and presence records.
// Everything here is keyed so that multiple stateless instances converge on
// the same state.
package session

import "strings"

// Key prefixes for the shared store namespace.
const (
	keyPlayback    = "harmony:playback:"      // + group_id (hash, TTL)
	keyListeners   = "harmony:listeners:"     // + group_id (set)
	keyRequestRate = "harmony:ratelimit:req:" // + group_id:user_id (counter, fixed window)
	keySeekCool    = "harmony:cooldown:seek:" // + group_id:user_id (flag, fixed window)
	keyConn        = "harmony:presence:conn:" // + conn_id (pointer, soft TTL)
	keyDevice      = "harmony:presence:dev:"  // + user_id:device_id (hash)
	keyDeviceConns = "harmony:presence:dc:"   // + user_id:device_id (set of conn ids)
	keyUser        = "harmony:presence:user:" // + user_id (aggregate hash)
)

func playbackKey(groupID string) string  { return keyPlayback + groupID }
func listenersKey(groupID string) string { return keyListeners + groupID }

func requestRateKey(groupID, userID string) string { return keyRequestRate + groupID + ":" + userID }
func seekCooldownKey(groupID, userID string) string { return keySeekCool + groupID + ":" + userID }

func connKey(connID string) string { return keyConn + connID }

func deviceKey(userID, deviceID string) string      { return keyDevice + userID + ":" + deviceID }
func deviceConnsKey(userID, deviceID string) string { return keyDeviceConns + userID + ":" + deviceID }
func userKey(userID string) string                  { return keyUser + userID }

// groupFromKey recovers the group id from a playback or listeners key.
func groupFromKey(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

// deviceFromKey recovers (userID, deviceID) from a device hash key.
// Device ids may themselves contain colons; user ids (uuids) do not.
func deviceFromKey(key string) (userID, deviceID string, ok bool) {
	rest := strings.TrimPrefix(key, keyDevice)
	if rest == key {
		return "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
