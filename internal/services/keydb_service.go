// internal/services/keydb_service.go
// KeyDB 狀態快取服務

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-relay/internal/anymail"
	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// ErrStatusNotFound 快取中沒有狀態
var ErrStatusNotFound = errors.New("status not found")

// KeyDBService KeyDB 服務
type KeyDBService struct {
	ttl    time.Duration
	client *redis.Client
	now    func() time.Time
}

// NewKeyDBService 建立 KeyDB 服務
func NewKeyDBService(cfg *config.Config) (*KeyDBService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.KeyDBURL,
		Password: cfg.KeyDBPassword,
		DB:       0,
	})

	// 測試連接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to KeyDB: %w", err)
	}

	return &KeyDBService{ttl: cfg.KeyDBStatusTTL, client: client, now: time.Now}, nil
}

func statusKey(mailID string) string {
	return fmt.Sprintf("mail:status:%s", mailID)
}

// SetStatus 設定郵件狀態
func (s *KeyDBService) SetStatus(ctx context.Context, entry models.MailStatusCache) error {
	entry.LastUpdated = s.now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return s.client.Set(ctx, statusKey(entry.MailID), data, s.ttl).Err()
}

// GetStatus 取得郵件狀態
func (s *KeyDBService) GetStatus(ctx context.Context, mailID string) (*models.MailStatusCache, error) {
	data, err := s.client.Get(ctx, statusKey(mailID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStatusNotFound
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var status models.MailStatusCache
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}

	return &status, nil
}

// Ping 檢查連接
func (s *KeyDBService) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close 關閉連接
func (s *KeyDBService) Close() error {
	return s.client.Close()
}

// SendStatusEntry 由發送結果組出快取內容
func SendStatusEntry(mailID string, status models.MailStatus, espName string, st *anymail.Status, retryCount int, errMsg string) models.MailStatusCache {
	entry := models.MailStatusCache{
		MailID:       mailID,
		Status:       string(status),
		ESP:          espName,
		RetryCount:   retryCount,
		ErrorMessage: errMsg,
	}
	if st != nil {
		entry.MessageID = st.MessageID
		if len(st.Recipients) > 0 {
			entry.Recipients = st.Recipients
		}
	}
	return entry
}
