// internal/services/mail_service.go
// 郵件收件服務 - 建立記錄、儲存附件、排入佇列、查詢與取消

package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"mail-relay/internal/anymail"
	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

var (
	// ErrMailNotFound 郵件不存在或不屬於該 client
	ErrMailNotFound = errors.New("mail not found")
	// ErrNotCancellable 只有 queued 狀態可取消
	ErrNotCancellable = errors.New("only queued mails can be cancelled")
)

// HistoryQuery 歷史查詢條件
type HistoryQuery struct {
	ClientID string
	Status   string
	Page     int
	Limit    int
}

// MailService 郵件收件服務，API 與 SMTP receiver 共用
type MailService struct {
	cfg   *config.Config
	db    *gorm.DB
	queue *QueueService
	keydb *KeyDBService
	log   *zerolog.Logger
	now   func() time.Time
}

// NewMailService 建立郵件收件服務
func NewMailService(cfg *config.Config, db *gorm.DB, queue *QueueService, keydb *KeyDBService, log *zerolog.Logger) *MailService {
	return &MailService{cfg: cfg, db: db, queue: queue, keydb: keydb, log: log, now: time.Now}
}

// AttachmentPath 附件儲存路徑：AttachmentPath/YYYY/MM/DD/mailID/filename
func AttachmentPath(root string, mailID uuid.UUID, filename string, now time.Time) string {
	return filepath.Join(
		root,
		now.Format("2006/01/02"),
		mailID.String(),
		filepath.Base(filename), // 避免路徑穿越
	)
}

// StoreAttachment 將附件寫入磁碟並回傳路徑
func (s *MailService) StoreAttachment(mailID uuid.UUID, filename string, data []byte) (string, error) {
	storagePath := AttachmentPath(s.cfg.AttachmentPath, mailID, filename, s.now())

	if err := os.MkdirAll(filepath.Dir(storagePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}
	if err := os.WriteFile(storagePath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write attachment file: %w", err)
	}
	return storagePath, nil
}

// Submit 建立郵件記錄並排入佇列
func (s *MailService) Submit(ctx context.Context, mailID uuid.UUID, job *models.MailJob, clientID, clientName string) error {
	job.MailID = mailID.String()
	job.RetryCount = 0

	mail := models.NewMail(mailID, job, clientID, clientName)
	if err := s.db.WithContext(ctx).Create(mail).Error; err != nil {
		return fmt.Errorf("failed to create mail record: %w", err)
	}

	if err := s.queue.PublishMail(ctx, job); err != nil {
		s.db.WithContext(ctx).Model(mail).Updates(map[string]any{
			"status":        models.MailStatusFailed,
			"error_message": err.Error(),
		})
		return fmt.Errorf("failed to queue mail: %w", err)
	}

	s.cacheStatus(ctx, models.MailStatusCache{MailID: job.MailID, Status: string(models.MailStatusQueued)})
	s.log.Info().
		Str("mail_id", job.MailID).
		Str("client_id", clientID).
		Int("recipients", len(job.ToAddresses)+len(job.CCAddresses)+len(job.BCCAddresses)).
		Msg("mail queued")
	return nil
}

// GetStatus 先查 KeyDB，再查資料庫
func (s *MailService) GetStatus(ctx context.Context, mailID string) (*models.MailStatusCache, error) {
	if s.keydb != nil {
		if status, err := s.keydb.GetStatus(ctx, mailID); err == nil {
			return status, nil
		}
	}

	var mail models.Mail
	if err := s.db.WithContext(ctx).Preload("Recipients").Where("id = ?", mailID).First(&mail).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMailNotFound
		}
		return nil, err
	}
	return statusFromMail(&mail), nil
}

func statusFromMail(mail *models.Mail) *models.MailStatusCache {
	entry := &models.MailStatusCache{
		MailID:       mail.ID.String(),
		Status:       string(mail.Status),
		ESP:          mail.ESP,
		MessageID:    mail.ESPMessageID,
		RetryCount:   mail.RetryCount,
		LastUpdated:  mail.UpdatedAt.UTC().Format(time.RFC3339),
		ErrorMessage: mail.ErrorMessage,
	}
	if len(mail.Recipients) > 0 {
		entry.Recipients = make(map[string]anymail.RecipientStatus, len(mail.Recipients))
		for _, r := range mail.Recipients {
			entry.Recipients[r.Email] = anymail.RecipientStatus{Status: anymail.StatusValue(r.Status), MessageID: r.MessageID}
		}
	}
	return entry
}

// History 查詢 client 的郵件歷史
func (s *MailService) History(ctx context.Context, q HistoryQuery) ([]models.Mail, int64, error) {
	var total int64
	var mails []models.Mail

	query := s.db.WithContext(ctx).Model(&models.Mail{}).Where("client_id = ?", q.ClientID)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (q.Page - 1) * q.Limit
	if err := query.Order("created_at DESC").Offset(offset).Limit(q.Limit).Find(&mails).Error; err != nil {
		return nil, 0, err
	}
	return mails, total, nil
}

// Cancel 取消尚未發送的郵件
func (s *MailService) Cancel(ctx context.Context, mailID, clientID string) error {
	var mail models.Mail
	if err := s.db.WithContext(ctx).Where("id = ? AND client_id = ?", mailID, clientID).First(&mail).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMailNotFound
		}
		return err
	}

	if mail.Status != models.MailStatusQueued {
		return ErrNotCancellable
	}

	result := s.db.WithContext(ctx).Model(&models.Mail{}).
		Where("id = ? AND status = ?", mailID, models.MailStatusQueued).
		Update("status", models.MailStatusCancelled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotCancellable
	}

	s.cacheStatus(ctx, models.MailStatusCache{MailID: mailID, Status: string(models.MailStatusCancelled), RetryCount: mail.RetryCount})
	s.log.Info().Str("mail_id", mailID).Str("client_id", clientID).Msg("mail cancelled")
	return nil
}

func (s *MailService) cacheStatus(ctx context.Context, entry models.MailStatusCache) {
	if s.keydb == nil {
		return
	}
	if err := s.keydb.SetStatus(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("mail_id", entry.MailID).Msg("failed to cache status")
	}
}

// Ping 檢查資料庫、KeyDB 與 RabbitMQ
func (s *MailService) Ping(ctx context.Context) map[string]bool {
	result := map[string]bool{"postgresql": true, "keydb": true, "rabbitmq": true}
	if s.queue == nil || !s.queue.Healthy() {
		result["rabbitmq"] = false
	}
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		result["postgresql"] = false
	}
	if s.keydb != nil && !s.keydb.Ping(ctx) {
		result["keydb"] = false
	}
	return result
}
