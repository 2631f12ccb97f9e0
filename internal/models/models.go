package models

import (
	"encoding/json"
	"time"
)

// User represents an authenticated account. Credentials live in the external
// auth service; this table only anchors foreign keys and display data.
type User struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	DisplayName string `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Group is a shared listening session: members, a versioned play queue, and
// the durable copy of the playback snapshot used for cold start.
type Group struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	Name             string `gorm:"index"`
	ControllerUserID string `gorm:"type:uuid;index"`

	QueueItems        QueueItemList `gorm:"serializer:json;type:jsonb"`
	QueueCurrentIndex int           `gorm:"default:-1"`
	QueueVersion      int64         `gorm:"default:0"`
	QueueHistory      HistoryList   `gorm:"serializer:json;type:jsonb"`

	PlaybackIsPlaying      bool
	PlaybackStartAtMs      int64
	PlaybackStartOffsetSec float64
	PlaybackUpdatedBy      string `gorm:"type:varchar(64)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupMember joins users to groups with their moderation flag.
type GroupMember struct {
	GroupID   string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"type:uuid;primaryKey"`
	IsAdmin   bool
	CreatedAt time.Time
}

// QueueItem is one entry in a group's play queue. The id is client-stable and
// distinct from the backing track reference.
type QueueItem struct {
	ID          string  `json:"id"`
	TrackRef    string  `json:"trackRef,omitempty"`
	TrackURL    string  `json:"trackUrl,omitempty"`
	Title       string  `json:"title,omitempty"`
	Artist      string  `json:"artist,omitempty"`
	DurationSec float64 `json:"durationSec,omitempty"`
	AddedBy     string  `json:"addedBy"`
	AddedAtMs   int64   `json:"addedAtMs"`
}

// QueueItemList is the jsonb queue column.
type QueueItemList []QueueItem

// UnmarshalJSON accepts the canonical array shape plus the legacy wrapper
// object that stored the array under a singular "item" key. The legacy shape
// is folded at the decode boundary only; everything written back out is the
// plain array.
func (l *QueueItemList) UnmarshalJSON(data []byte) error {
	var items []QueueItem
	if err := json.Unmarshal(data, &items); err == nil {
		*l = items
		return nil
	}

	var legacy struct {
		Item []QueueItem `json:"item"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	*l = legacy.Item
	return nil
}

// HistoryEntry records a completed track.
type HistoryEntry struct {
	ItemID     string `json:"itemId"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	PlayedAtMs int64  `json:"playedAtMs"`
}

// HistoryList is the jsonb history column.
type HistoryList []HistoryEntry

// RequestStatus tracks the moderation lifecycle of a listener request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

// PlaybackRequest is a listener-suggested track awaiting moderation.
// Terminal states are never reopened.
type PlaybackRequest struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	GroupID     string `gorm:"type:uuid;index"`
	TrackRef    string
	TrackURL    string
	Title       string
	Artist      string
	DurationSec float64
	RequestedBy string        `gorm:"type:uuid;index"`
	Status      RequestStatus `gorm:"type:varchar(16);index"`
	ReviewedBy  string        `gorm:"type:uuid"`
	Reason      string        `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
