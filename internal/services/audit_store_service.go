package services

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/livegate/livegate/backend/internal/gateway"
	"github.com/livegate/livegate/backend/internal/models"
)

// AuditStoreService mirrors gateway audit entries into the database so they
// survive restarts. It implements gateway.AuditSink.
type AuditStoreService struct {
	db *gorm.DB
}

// NewAuditStoreService returns an AuditStoreService using the provided DB.
func NewAuditStoreService(db *gorm.DB) *AuditStoreService {
	return &AuditStoreService{db: db}
}

// Write persists a single audit entry.
func (s *AuditStoreService) Write(entry gateway.AuditEntry) error {
	var metadata string
	if len(entry.Metadata) > 0 {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			metadata = string(raw)
		}
	}

	row := models.AuditEntry{
		UUID:         entry.ID,
		EventType:    entry.EventType,
		IP:           entry.IP,
		ConnectionID: entry.ConnectionID,
		UserID:       entry.UserID,
		EventName:    entry.EventName,
		Message:      entry.Message,
		Severity:     string(entry.Severity),
		Metadata:     metadata,
		CreatedAt:    entry.Timestamp,
	}
	return s.db.Create(&row).Error
}

// Recent returns persisted entries ordered by created_at desc.
func (s *AuditStoreService) Recent(limit int) ([]models.AuditEntry, error) {
	var rows []models.AuditEntry
	q := s.db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Purge deletes persisted entries older than the retention horizon and
// returns how many rows were removed.
func (s *AuditStoreService) Purge(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.AuditEntry{})
	return res.RowsAffected, res.Error
}
