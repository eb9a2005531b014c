// internal/services/message_builder.go
// 將佇列工作轉為 anymail.Message

package services

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"mail-relay/internal/anymail"
	"mail-relay/internal/models"
)

// 可用於 clear_defaults 的欄位
const (
	FieldMetadata        = "metadata"
	FieldSendAt          = "send_at"
	FieldTags            = "tags"
	FieldTrackClicks     = "track_clicks"
	FieldTrackOpens      = "track_opens"
	FieldTemplateID      = "template_id"
	FieldMergeData       = "merge_data"
	FieldMergeGlobalData = "merge_global_data"
	FieldESPExtra        = "esp_extra"
)

var clearableFields = map[string]bool{
	FieldMetadata: true, FieldSendAt: true, FieldTags: true,
	FieldTrackClicks: true, FieldTrackOpens: true, FieldTemplateID: true,
	FieldMergeData: true, FieldMergeGlobalData: true, FieldESPExtra: true,
}

// ValidateClearDefaults 檢查 clear_defaults 欄位名稱
func ValidateClearDefaults(fields []string) error {
	for _, f := range fields {
		if !clearableFields[f] {
			return fmt.Errorf("unknown clear_defaults field %q", f)
		}
	}
	return nil
}

// BuildMessage 依工作內容建立郵件
// 同時有 body 與 html 時 html 成為替代內文；只有 html 時以 html 為主內文
func BuildMessage(job *models.MailJob) (*anymail.Message, error) {
	if err := ValidateClearDefaults(job.ClearDefaults); err != nil {
		return nil, err
	}

	msg := &anymail.Message{
		From:         job.FromAddress,
		To:           job.ToAddresses,
		Cc:           job.CCAddresses,
		Bcc:          job.BCCAddresses,
		ReplyTo:      job.ReplyTo,
		Subject:      job.Subject,
		ExtraHeaders: job.Headers,
	}

	switch {
	case job.Body != "" && job.HTML != "":
		msg.Body = job.Body
		msg.Alternatives = []anymail.Alternative{{Content: job.HTML, Mimetype: "text/html"}}
	case job.HTML != "":
		msg.Body = job.HTML
		msg.ContentSubtype = anymail.SubtypeHTML
	default:
		msg.Body = job.Body
	}

	for _, info := range job.Attachments {
		att, err := loadAttachment(info)
		if err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	if job.Metadata != nil {
		msg.Metadata = anymail.Set(job.Metadata)
	}
	if job.SendAt != "" {
		msg.SendAt = anymail.Set(ParseSendAt(job.SendAt))
	}
	if job.Tags != nil {
		msg.Tags = anymail.Set(job.Tags)
	}
	if job.TrackClicks != nil {
		msg.TrackClicks = anymail.Set(*job.TrackClicks)
	}
	if job.TrackOpens != nil {
		msg.TrackOpens = anymail.Set(*job.TrackOpens)
	}
	if job.TemplateID != "" {
		msg.TemplateID = anymail.Set(job.TemplateID)
	}
	if job.MergeData != nil {
		msg.MergeData = anymail.Set(job.MergeData)
	}
	if job.MergeGlobalData != nil {
		msg.MergeGlobalData = anymail.Set(job.MergeGlobalData)
	}
	if job.ESPExtra != nil {
		msg.ESPExtra = anymail.Set(job.ESPExtra)
	}

	// 清除優先於設定值
	for _, f := range job.ClearDefaults {
		switch f {
		case FieldMetadata:
			msg.Metadata = anymail.Clear[map[string]any]()
		case FieldSendAt:
			msg.SendAt = anymail.Clear[any]()
		case FieldTags:
			msg.Tags = anymail.Clear[[]string]()
		case FieldTrackClicks:
			msg.TrackClicks = anymail.Clear[bool]()
		case FieldTrackOpens:
			msg.TrackOpens = anymail.Clear[bool]()
		case FieldTemplateID:
			msg.TemplateID = anymail.Clear[string]()
		case FieldMergeData:
			msg.MergeData = anymail.Clear[map[string]map[string]any]()
		case FieldMergeGlobalData:
			msg.MergeGlobalData = anymail.Clear[map[string]any]()
		case FieldESPExtra:
			msg.ESPExtra = anymail.Clear[map[string]any]()
		}
	}
	return msg, nil
}

func loadAttachment(info models.AttachmentInfo) (anymail.Attachment, error) {
	att := anymail.Attachment{
		Filename:  info.Filename,
		Mimetype:  info.ContentType,
		Inline:    info.Inline,
		ContentID: info.ContentID,
	}
	if info.StoragePath == "" {
		att.Text = info.Content
		return att, nil
	}

	data, err := os.ReadFile(info.StoragePath)
	if err != nil {
		return att, fmt.Errorf("failed to read attachment %s: %w", info.Filename, err)
	}
	att.Content = data
	return att, nil
}

// ParseSendAt 解析 send_at 字串
//
//   - RFC 3339 → time.Time
//   - 無時區日期時間 (2006-01-02T15:04:05) → civil.DateTime，依設定時區解讀
//   - 日期 (2006-01-02) → civil.Date
//   - 數字 → POSIX timestamp
//   - 其他字串原樣交給 ESP
func ParseSendAt(s string) any {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if dt, err := civil.ParseDateTime(strings.Replace(s, " ", "T", 1)); err == nil {
		return dt
	}
	if d, err := civil.ParseDate(s); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
