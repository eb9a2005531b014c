// internal/models/mail.go
// 郵件資料模型

package models

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mail-relay/internal/anymail"
)

// MailStatus 郵件狀態
type MailStatus string

const (
	MailStatusQueued     MailStatus = "queued"
	MailStatusProcessing MailStatus = "processing"
	MailStatusSent       MailStatus = "sent"
	MailStatusRejected   MailStatus = "rejected"
	MailStatusFailed     MailStatus = "failed"
	MailStatusCancelled  MailStatus = "cancelled"
)

// Mail 郵件資料模型
type Mail struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	FromAddress   string         `json:"from" gorm:"column:from_address"`
	ToAddresses   pq.StringArray `json:"to" gorm:"column:to_addresses;type:text[]"`
	CCAddresses   pq.StringArray `json:"cc,omitempty" gorm:"column:cc_addresses;type:text[]"`
	BCCAddresses  pq.StringArray `json:"bcc,omitempty" gorm:"column:bcc_addresses;type:text[]"`
	ReplyTo       pq.StringArray `json:"reply_to,omitempty" gorm:"column:reply_to;type:text[]"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body,omitempty"`
	HTML          string         `json:"html,omitempty"`
	Tags          pq.StringArray `json:"tags,omitempty" gorm:"type:text[]"`
	TemplateID    string         `json:"template_id,omitempty"`
	Status        MailStatus     `json:"status" gorm:"not null;default:'queued'"`
	ESP           string         `json:"esp,omitempty" gorm:"column:esp"`
	ESPMessageID  string         `json:"esp_message_id,omitempty" gorm:"column:esp_message_id"`
	RetryCount    int            `json:"retry_count" gorm:"default:0"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	SendAt        string         `json:"send_at,omitempty" gorm:"column:send_at"`
	CreatedAt     time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	ClientID      string         `json:"client_id" gorm:"not null"`
	ClientName    string         `json:"client_name,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" gorm:"serializer:json;type:jsonb"`
	ClearDefaults pq.StringArray `json:"clear_defaults,omitempty" gorm:"type:text[]"`

	// 關聯
	Attachments []Attachment      `json:"attachments,omitempty" gorm:"foreignKey:MailID"`
	Recipients  []RecipientStatus `json:"recipients,omitempty" gorm:"foreignKey:MailID"`
}

// TableName 指定資料表名稱
func (Mail) TableName() string {
	return "mails"
}

// Attachment 附件資料模型
type Attachment struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	MailID      uuid.UUID `json:"mail_id" gorm:"type:uuid;not null"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	StoragePath string    `json:"storage_path" gorm:"not null"`
	Inline      bool      `json:"inline,omitempty"`
	ContentID   string    `json:"content_id,omitempty"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定資料表名稱
func (Attachment) TableName() string {
	return "attachments"
}

// RecipientStatus 單一收件人的 ESP 回應
type RecipientStatus struct {
	ID        int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	MailID    uuid.UUID `json:"-" gorm:"type:uuid;not null;index"`
	Email     string    `json:"email" gorm:"not null"`
	Status    string    `json:"status" gorm:"not null"`
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定資料表名稱
func (RecipientStatus) TableName() string {
	return "mail_recipients"
}

// RecipientRows 將發送結果轉成資料列 (依 email 排序)
func RecipientRows(mailID uuid.UUID, st *anymail.Status) []RecipientStatus {
	if st == nil {
		return nil
	}
	rows := make([]RecipientStatus, 0, len(st.Recipients))
	for _, email := range slices.Sorted(maps.Keys(st.Recipients)) {
		rs := st.Recipients[email]
		rows = append(rows, RecipientStatus{
			MailID:    mailID,
			Email:     email,
			Status:    string(rs.Status),
			MessageID: rs.MessageID,
		})
	}
	return rows
}

// MailStatusCache KeyDB 快取格式
type MailStatusCache struct {
	MailID       string                             `json:"mail_id"`
	Status       string                             `json:"status"`
	ESP          string                             `json:"esp,omitempty"`
	MessageID    string                             `json:"message_id,omitempty"`
	RetryCount   int                                `json:"retry_count"`
	LastUpdated  string                             `json:"last_updated"`
	ErrorMessage string                             `json:"error_message,omitempty"`
	Recipients   map[string]anymail.RecipientStatus `json:"recipients,omitempty"`
}
