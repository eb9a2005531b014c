// internal/models/job.go
// RabbitMQ 郵件工作格式，relayctl 的 YAML 郵件檔也使用同一結構

package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"

	"mail-relay/internal/anymail"
)

// MailJob RabbitMQ 訊息格式
type MailJob struct {
	MailID string `json:"mail_id" yaml:"-"`
	// ESP 指定發送的 ESP，空白時依寄件者網域路由
	ESP string `json:"esp,omitempty" yaml:"esp"`

	FromAddress  string           `json:"from" yaml:"from"`
	ToAddresses  []string         `json:"to" yaml:"to"`
	CCAddresses  []string         `json:"cc,omitempty" yaml:"cc"`
	BCCAddresses []string         `json:"bcc,omitempty" yaml:"bcc"`
	ReplyTo      []string         `json:"reply_to,omitempty" yaml:"reply_to"`
	Subject      string           `json:"subject" yaml:"subject"`
	Body         string           `json:"body,omitempty" yaml:"body"`
	HTML         string           `json:"html,omitempty" yaml:"html"`
	Headers      []anymail.Header `json:"headers,omitempty" yaml:"headers"`
	Attachments  []AttachmentInfo `json:"attachments,omitempty" yaml:"attachments"`

	// 擴充欄位，nil 表示未設定
	Metadata        map[string]any            `json:"metadata,omitempty" yaml:"metadata"`
	SendAt          string                    `json:"send_at,omitempty" yaml:"send_at"`
	Tags            []string                  `json:"tags,omitempty" yaml:"tags"`
	TrackClicks     *bool                     `json:"track_clicks,omitempty" yaml:"track_clicks"`
	TrackOpens      *bool                     `json:"track_opens,omitempty" yaml:"track_opens"`
	TemplateID      string                    `json:"template_id,omitempty" yaml:"template_id"`
	MergeData       map[string]map[string]any `json:"merge_data,omitempty" yaml:"merge_data"`
	MergeGlobalData map[string]any            `json:"merge_global_data,omitempty" yaml:"merge_global_data"`
	ESPExtra        map[string]any            `json:"esp_extra,omitempty" yaml:"esp_extra"`
	// ClearDefaults 明確清除的欄位，不套用預設值
	ClearDefaults []string `json:"clear_defaults,omitempty" yaml:"clear_defaults"`

	RetryCount int `json:"retry_count" yaml:"-"`
}

// AttachmentInfo 附件資訊
// 佇列中的附件以 StoragePath 指向磁碟檔案；Content 只用於直接發送
type AttachmentInfo struct {
	Filename    string `json:"filename" yaml:"filename"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type"`
	SizeBytes   int64  `json:"size_bytes,omitempty" yaml:"-"`
	StoragePath string `json:"storage_path,omitempty" yaml:"path"`
	Content     string `json:"-" yaml:"content"`
	Inline      bool   `json:"inline,omitempty" yaml:"inline"`
	ContentID   string `json:"content_id,omitempty" yaml:"content_id"`
}

// NewMail 由工作建立資料庫記錄，附件需已寫入磁碟
func NewMail(id uuid.UUID, job *MailJob, clientID, clientName string) *Mail {
	mail := &Mail{
		ID:            id,
		FromAddress:   job.FromAddress,
		ToAddresses:   pq.StringArray(job.ToAddresses),
		CCAddresses:   pq.StringArray(job.CCAddresses),
		BCCAddresses:  pq.StringArray(job.BCCAddresses),
		ReplyTo:       pq.StringArray(job.ReplyTo),
		Subject:       job.Subject,
		Body:          job.Body,
		HTML:          job.HTML,
		Tags:          pq.StringArray(job.Tags),
		TemplateID:    job.TemplateID,
		SendAt:        job.SendAt,
		ESP:           job.ESP,
		Status:        MailStatusQueued,
		ClientID:      clientID,
		ClientName:    clientName,
		Metadata:      job.Metadata,
		ClearDefaults: pq.StringArray(job.ClearDefaults),
	}
	for _, att := range job.Attachments {
		mail.Attachments = append(mail.Attachments, Attachment{
			ID:          uuid.New(),
			MailID:      id,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			SizeBytes:   att.SizeBytes,
			StoragePath: att.StoragePath,
			Inline:      att.Inline,
			ContentID:   att.ContentID,
		})
	}
	return mail
}
