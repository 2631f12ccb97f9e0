/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gateway

import (
	"errors"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/groups"
	"github.com/friendsincode/harmony/internal/playback"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/friendsincode/harmony/internal/requests"
)

// Stable failure codes surfaced in intent acknowledgements.
const (
	CodeValidation      = "VALIDATION"
	CodeForbidden       = "FORBIDDEN"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeNotFound        = "NOT_FOUND"
	CodeNotFoundItem    = "NOT_FOUND_ITEM"
	CodeNotFoundRequest = "NOT_FOUND_REQUEST"
	CodeEmptyQueue      = "EMPTY_QUEUE"
	CodeCooldown        = "COOLDOWN"
	CodeMaxQueueItems   = "MAX_QUEUE_ITEMS"
	CodeMaxPending      = "MAX_PENDING"
	CodeAlreadyReviewed = "ALREADY_REVIEWED"
	CodeInvalidTrack    = "INVALID_TRACK"
	CodeInternal        = "INTERNAL"
)

var (
	errForbidden = errors.New("caller may not control this group")
	errNotMember = errors.New("caller is not a member of this group")
)

// Result is the tagged acknowledgement for one intent. Success and failure
// share the shape so clients switch on ok, never on field presence.
type Result struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    events.Payload `json:"data,omitempty"`
}

func okResult(data events.Payload) Result {
	return Result{OK: true, Data: data}
}

func errResult(err error) Result {
	code, data := classify(err)
	return Result{OK: false, Code: code, Message: err.Error(), Data: data}
}

// classify maps service errors to their stable code, attaching the machine
// readable detail (authoritative version, retry hint, limit) clients need to
// recover without parsing messages.
func classify(err error) (string, events.Payload) {
	var conflict *queue.ConflictError
	if errors.As(err, &conflict) {
		return CodeConflict, events.Payload{"serverVersion": conflict.ServerVersion}
	}
	var capacity *queue.CapacityError
	if errors.As(err, &capacity) {
		return CodeMaxQueueItems, events.Payload{"limit": capacity.Limit}
	}
	var cooldown *playback.CooldownError
	if errors.As(err, &cooldown) {
		return CodeCooldown, events.Payload{"retryInMs": cooldown.RetryIn.Milliseconds()}
	}
	var limited *requests.RateLimitedError
	if errors.As(err, &limited) {
		return CodeRateLimited, events.Payload{"retryInMs": limited.RetryIn.Milliseconds()}
	}
	var pending *requests.MaxPendingError
	if errors.As(err, &pending) {
		return CodeMaxPending, events.Payload{"limit": pending.Limit}
	}

	switch {
	case errors.Is(err, queue.ErrGroupNotFound), errors.Is(err, groups.ErrGroupNotFound):
		return CodeNotFound, nil
	case errors.Is(err, queue.ErrItemNotFound):
		return CodeNotFoundItem, nil
	case errors.Is(err, queue.ErrEmptyQueue):
		return CodeEmptyQueue, nil
	case errors.Is(err, queue.ErrEmptyItems):
		return CodeValidation, nil
	case errors.Is(err, playback.ErrInvalidPosition):
		return CodeValidation, nil
	case errors.Is(err, requests.ErrNotFound):
		return CodeNotFoundRequest, nil
	case errors.Is(err, requests.ErrAlreadyReviewed):
		return CodeAlreadyReviewed, nil
	case errors.Is(err, requests.ErrInvalidTrack):
		return CodeInvalidTrack, nil
	case errors.Is(err, errForbidden), errors.Is(err, errNotMember):
		return CodeForbidden, nil
	case errors.Is(err, errBadIntent):
		return CodeValidation, nil
	default:
		return CodeInternal, nil
	}
}
