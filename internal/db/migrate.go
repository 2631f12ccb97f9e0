/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/harmony/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.GroupMember{},
		&models.PlaybackRequest{},
	); err != nil {
		return err
	}

	if err := normalizeQueuePointers(database); err != nil {
		return err
	}

	return nil
}

// normalizeQueuePointers repairs rows imported from older deployments where
// the queue pointer and version columns could be NULL instead of the -1/0
// sentinels. Steady-state code assumes the sentinels and never branches.
func normalizeQueuePointers(database *gorm.DB) error {
	if err := database.Exec(
		"UPDATE groups SET queue_current_index = -1 WHERE queue_current_index IS NULL",
	).Error; err != nil {
		return fmt.Errorf("normalize queue current index: %w", err)
	}
	if err := database.Exec(
		"UPDATE groups SET queue_version = 0 WHERE queue_version IS NULL",
	).Error; err != nil {
		return fmt.Errorf("normalize queue version: %w", err)
	}
	return nil
}
