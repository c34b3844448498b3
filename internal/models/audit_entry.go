package models

import (
	"time"
)

// AuditEntry is the durable mirror of an in-memory gateway audit entry.
// The bounded in-memory log stays the source of truth for queries; rows
// here survive restarts for offline review.
type AuditEntry struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UUID         string    `json:"uuid" gorm:"uniqueIndex"`
	EventType    string    `json:"event_type" gorm:"index"`
	IP           string    `json:"ip" gorm:"index"`
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id" gorm:"index"`
	EventName    string    `json:"event_name"`
	Message      string    `json:"message" gorm:"type:text"`
	Severity     string    `json:"severity" gorm:"index"`
	Metadata     string    `json:"metadata" gorm:"type:text"` // JSON blob
	CreatedAt    time.Time `json:"created_at"`
}
