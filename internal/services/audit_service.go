// internal/services/audit_service.go
// API 稽核紀錄，非同步寫入資料庫

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"mail-relay/internal/models"
)

// AuditService API 稽核紀錄服務
type AuditService struct {
	db  *gorm.DB
	log *zerolog.Logger
}

// NewAuditService 建立稽核紀錄服務
func NewAuditService(db *gorm.DB, log *zerolog.Logger) *AuditService {
	return &AuditService{db: db, log: log}
}

// Record 寫入失敗只記錄 log，不影響請求
func (s *AuditService) Record(entry models.APILog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
			s.log.Warn().Err(err).Str("endpoint", entry.Endpoint).Msg("failed to write api log")
		}
	}()
}
