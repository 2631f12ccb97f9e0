/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package requests implements the listener request pipeline: throttled
// submission, moderation, and transactional promotion into the queue.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/models"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("request not found")
	ErrAlreadyReviewed = errors.New("request already reviewed")
	ErrInvalidTrack    = errors.New("request carries no track reference")
)

// RateLimitedError reports an exhausted submission window and when it resets.
type RateLimitedError struct {
	RetryIn time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("request rate exceeded, retry in %s", e.RetryIn)
}

// MaxPendingError reports that the requester already has the maximum number
// of unreviewed requests in this group.
type MaxPendingError struct {
	Limit int
}

func (e *MaxPendingError) Error() string {
	return fmt.Sprintf("pending request limit %d reached", e.Limit)
}

// SessionStore is the throttle surface the service needs.
type SessionStore interface {
	IncrRequestWindow(ctx context.Context, groupID, userID string, window time.Duration) (int64, time.Duration, error)
}

// Submission is the listener-provided track description.
type Submission struct {
	TrackRef    string
	TrackURL    string
	Title       string
	Artist      string
	DurationSec float64
}

// Service owns the request lifecycle.
type Service struct {
	db         *gorm.DB
	store      SessionStore
	queue      *queue.Engine
	bus        events.PubSub
	logger     zerolog.Logger
	ratePerMin int
	maxPending int
}

// New creates a request service.
func New(db *gorm.DB, store SessionStore, engine *queue.Engine, bus events.PubSub, ratePerMin, maxPending int, logger zerolog.Logger) *Service {
	return &Service{
		db:         db,
		store:      store,
		queue:      engine,
		bus:        bus,
		logger:     logger.With().Str("component", "requests").Logger(),
		ratePerMin: ratePerMin,
		maxPending: maxPending,
	}
}

// Submit records a new pending request. Submissions are rate limited per
// (group,user) on a fixed one-minute window, and each requester may hold only
// a bounded number of unreviewed requests per group.
func (s *Service) Submit(ctx context.Context, groupID, userID string, sub Submission) (*models.PlaybackRequest, error) {
	if sub.TrackRef == "" && sub.TrackURL == "" {
		return nil, ErrInvalidTrack
	}

	count, resetIn, err := s.store.IncrRequestWindow(ctx, groupID, userID, time.Minute)
	if err != nil {
		return nil, err
	}
	if count > int64(s.ratePerMin) {
		return nil, &RateLimitedError{RetryIn: resetIn}
	}

	var pending int64
	err = s.db.WithContext(ctx).Model(&models.PlaybackRequest{}).
		Where("group_id = ? AND requested_by = ? AND status = ?", groupID, userID, models.RequestPending).
		Count(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("count pending requests: %w", err)
	}
	if pending >= int64(s.maxPending) {
		return nil, &MaxPendingError{Limit: s.maxPending}
	}

	req := models.PlaybackRequest{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		TrackRef:    sub.TrackRef,
		TrackURL:    sub.TrackURL,
		Title:       sub.Title,
		Artist:      sub.Artist,
		DurationSec: sub.DurationSec,
		RequestedBy: userID,
		Status:      models.RequestPending,
	}
	if err := s.db.WithContext(ctx).Create(&req).Error; err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	s.bus.Publish(events.EventRequestCreated, events.Payload{
		"groupId":     groupID,
		"requestId":   req.ID,
		"requestedBy": userID,
		"title":       req.Title,
		"artist":      req.Artist,
	})
	return &req, nil
}

// Approve flips a pending request to approved and appends its track to the
// queue in one transaction, so a version conflict leaves the request pending
// and retryable. Returns the appended item id with the new queue state.
func (s *Service) Approve(ctx context.Context, groupID, requestID, reviewerID string, baseVersion int64) (string, queue.State, error) {
	var req models.PlaybackRequest
	var itemID string
	var newState queue.State

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&req, "id = ? AND group_id = ?", requestID, groupID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load request: %w", err)
		}

		res := tx.Model(&models.PlaybackRequest{}).
			Where("id = ? AND status = ?", requestID, models.RequestPending).
			Updates(map[string]any{
				"status":      models.RequestApproved,
				"reviewed_by": reviewerID,
			})
		if res.Error != nil {
			return fmt.Errorf("approve request: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyReviewed
		}

		itemID = uuid.NewString()
		newState, err = s.queue.AppendIn(tx, groupID, req.RequestedBy, baseVersion, []models.QueueItem{{
			ID:          itemID,
			TrackRef:    req.TrackRef,
			TrackURL:    req.TrackURL,
			Title:       req.Title,
			Artist:      req.Artist,
			DurationSec: req.DurationSec,
		}})
		return err
	})
	if err != nil {
		return "", queue.State{}, err
	}

	s.notifyRequester(req.RequestedBy, groupID, requestID, models.RequestApproved, "")
	s.queue.Broadcast(ctx, groupID, newState)
	return itemID, newState, nil
}

// Reject marks a pending request rejected with an optional reason. Terminal
// states are never reopened.
func (s *Service) Reject(ctx context.Context, groupID, requestID, reviewerID, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.PlaybackRequest{}).
		Where("id = ? AND group_id = ? AND status = ?", requestID, groupID, models.RequestPending).
		Updates(map[string]any{
			"status":      models.RequestRejected,
			"reviewed_by": reviewerID,
			"reason":      reason,
		})
	if res.Error != nil {
		return fmt.Errorf("reject request: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		var req models.PlaybackRequest
		err := s.db.WithContext(ctx).First(&req, "id = ? AND group_id = ?", requestID, groupID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load request: %w", err)
		}
		return ErrAlreadyReviewed
	}

	var req models.PlaybackRequest
	if err := s.db.WithContext(ctx).First(&req, "id = ?", requestID).Error; err == nil {
		s.notifyRequester(req.RequestedBy, groupID, requestID, models.RequestRejected, reason)
	}
	return nil
}

// Pending lists unreviewed requests for a group, oldest first.
func (s *Service) Pending(ctx context.Context, groupID string) ([]models.PlaybackRequest, error) {
	var reqs []models.PlaybackRequest
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, models.RequestPending).
		Order("created_at ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return reqs, nil
}

// notifyRequester delivers a private review outcome to the requester.
func (s *Service) notifyRequester(userID, groupID, requestID string, status models.RequestStatus, reason string) {
	payload := events.Payload{
		"userId":    userID,
		"groupId":   groupID,
		"requestId": requestID,
		"status":    string(status),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	s.bus.Publish(events.EventRequestUpdate, payload)
}
