/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package groups resolves group membership and the controller authorization
// policy for session intents.
package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendsincode/harmony/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrGroupNotFound indicates the group id does not exist.
var ErrGroupNotFound = errors.New("group not found")

// Membership is the resolved relationship between one user and one group.
type Membership struct {
	GroupID          string
	UserID           string
	IsMember         bool
	IsAdmin          bool
	ControllerUserID string
}

// CanControl is the single authorization policy for playback and queue
// mutation: the explicit controller if one is designated, otherwise any
// admin member.
func CanControl(m Membership) bool {
	if !m.IsMember {
		return false
	}
	if m.ControllerUserID != "" {
		return m.ControllerUserID == m.UserID
	}
	return m.IsAdmin
}

// Service reads group and membership rows from the durable store.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates a groups service.
func New(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "groups").Logger(),
	}
}

// Group loads a group row by id.
func (s *Service) Group(ctx context.Context, groupID string) (*models.Group, error) {
	var group models.Group
	err := s.db.WithContext(ctx).First(&group, "id = ?", groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", groupID, err)
	}
	return &group, nil
}

// Membership resolves the caller's membership in a group.
func (s *Service) Membership(ctx context.Context, groupID, userID string) (Membership, error) {
	group, err := s.Group(ctx, groupID)
	if err != nil {
		return Membership{}, err
	}

	m := Membership{
		GroupID:          groupID,
		UserID:           userID,
		ControllerUserID: group.ControllerUserID,
	}

	var member models.GroupMember
	err = s.db.WithContext(ctx).
		First(&member, "group_id = ? AND user_id = ?", groupID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m, nil
	}
	if err != nil {
		return Membership{}, fmt.Errorf("load membership %s/%s: %w", groupID, userID, err)
	}

	m.IsMember = true
	m.IsAdmin = member.IsAdmin
	return m, nil
}

// Controls reports whether userID may control the group right now.
func (s *Service) Controls(ctx context.Context, groupID, userID string) (bool, error) {
	m, err := s.Membership(ctx, groupID, userID)
	if err != nil {
		return false, err
	}
	return CanControl(m), nil
}
