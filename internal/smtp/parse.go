// internal/smtp/parse.go
// MIME 解析 - 將收到的郵件轉為 MailJob

package smtp

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"mail-relay/internal/models"
)

const inboundSource = "smtp-inbound"

// inboundAttachment 尚未寫入磁碟的附件
type inboundAttachment struct {
	info models.AttachmentInfo
	data []byte
}

// inboundMessage 解析結果，job.Attachments 與 attachments 一一對應
type inboundMessage struct {
	job         *models.MailJob
	attachments []inboundAttachment
}

// parseMessage 解析 MIME 郵件
// 信封 MAIL FROM 優先於標頭 From；RCPT TO 中未出現在 To/Cc 標頭的收件人視為 Bcc
func parseMessage(raw []byte, envelopeFrom string, envelopeTo []string, now time.Time) (*inboundMessage, error) {
	metadata := map[string]any{
		"source":      inboundSource,
		"received_at": now.UTC().Format(time.RFC3339),
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		// 無法解析 MIME，整份內容當作純文字
		if envelopeFrom == "" || len(envelopeTo) == 0 {
			return nil, fmt.Errorf("unparseable message without envelope: %w", err)
		}
		metadata["raw_content"] = true
		return &inboundMessage{job: &models.MailJob{
			FromAddress: envelopeFrom,
			ToAddresses: slices.Clone(envelopeTo),
			Subject:     "(No Subject)",
			Body:        string(raw),
			Metadata:    metadata,
		}}, nil
	}
	defer mr.Close()

	header := mr.Header
	job := &models.MailJob{Metadata: metadata}
	job.Subject, _ = header.Subject()
	if msgID, err := header.MessageID(); err == nil && msgID != "" {
		metadata["message_id"] = msgID
	}

	job.FromAddress = envelopeFrom
	if froms := headerAddresses(header, "From"); len(froms) > 0 {
		if job.FromAddress == "" || strings.EqualFold(addressEmail(froms[0]), envelopeFrom) {
			job.FromAddress = froms[0]
		}
	}
	if job.FromAddress == "" {
		return nil, fmt.Errorf("message has no sender")
	}

	job.ToAddresses, job.CCAddresses, job.BCCAddresses = splitRecipients(
		headerAddresses(header, "To"),
		headerAddresses(header, "Cc"),
		envelopeTo,
	)
	job.ReplyTo = headerAddresses(header, "Reply-To")

	var attachments []inboundAttachment
	for index := 1; ; index++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read inline part: %w", err)
			}
			switch {
			case contentType == "text/plain" && job.Body == "":
				job.Body = string(content)
			case contentType == "text/html" && job.HTML == "":
				job.HTML = string(content)
			case strings.HasPrefix(contentType, "text/"):
				// 多餘的文字段落忽略
			default:
				// 內嵌圖片等 (multipart/related)
				name := attachmentFilename(h.Get("Content-Disposition"), params, h.Get("X-Attachment-Name"), contentType, index)
				attachments = append(attachments, inboundAttachment{
					info: models.AttachmentInfo{
						Filename:    name,
						ContentType: contentType,
						SizeBytes:   int64(len(content)),
						Inline:      true,
						ContentID:   strings.Trim(h.Get("Content-Id"), "<> "),
					},
					data: content,
				})
			}

		case *mail.AttachmentHeader:
			contentType, params, _ := h.ContentType()
			name, _ := h.Filename()
			if name == "" {
				name = attachmentFilename(h.Get("Content-Disposition"), params, h.Get("X-Attachment-Name"), contentType, index)
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment %s: %w", name, err)
			}
			attachments = append(attachments, inboundAttachment{
				info: models.AttachmentInfo{
					Filename:    name,
					ContentType: contentType,
					SizeBytes:   int64(len(content)),
					ContentID:   strings.Trim(h.Get("Content-Id"), "<> "),
				},
				data: content,
			})
		}
	}

	if job.Body == "" && job.HTML == "" && len(attachments) == 0 {
		job.Body = string(raw)
	}
	for _, att := range attachments {
		job.Attachments = append(job.Attachments, att.info)
	}
	return &inboundMessage{job: job, attachments: attachments}, nil
}

// headerAddresses 回傳 "Name <addr>" 格式的地址清單
func headerAddresses(header mail.Header, key string) []string {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func addressEmail(formatted string) string {
	addr, err := mail.ParseAddress(formatted)
	if err != nil {
		return cleanEmail(formatted)
	}
	return addr.Address
}

// splitRecipients 依標頭分配信封收件人
// 沒有 To/Cc 標頭時全部信封收件人放入 To
func splitRecipients(headerTo, headerCc, envelope []string) (to, cc, bcc []string) {
	if len(envelope) == 0 {
		return headerTo, headerCc, nil
	}
	if len(headerTo) == 0 && len(headerCc) == 0 {
		return slices.Clone(envelope), nil, nil
	}

	seen := make(map[string]bool, len(envelope))
	for _, rcpt := range envelope {
		seen[strings.ToLower(rcpt)] = true
	}
	pick := func(list []string) []string {
		var out []string
		for _, addr := range list {
			key := strings.ToLower(addressEmail(addr))
			if seen[key] {
				out = append(out, addr)
				delete(seen, key)
			}
		}
		return out
	}
	to = pick(headerTo)
	cc = pick(headerCc)
	for _, rcpt := range envelope {
		if seen[strings.ToLower(rcpt)] {
			bcc = append(bcc, rcpt)
			delete(seen, strings.ToLower(rcpt))
		}
	}
	if len(to) == 0 && len(cc) == 0 {
		return bcc, nil, nil
	}
	return to, cc, bcc
}

// attachmentFilename 依序從 Content-Disposition、Content-Type name、X-Attachment-Name 取得檔名
// 都沒有時依 content type 產生預設檔名
func attachmentFilename(disposition string, params map[string]string, xName, contentType string, index int) string {
	if disposition != "" {
		if _, dparams, err := mime.ParseMediaType(disposition); err == nil && dparams["filename"] != "" {
			return dparams["filename"]
		}
	}
	if name := params["name"]; name != "" {
		return name
	}
	if xName != "" {
		return xName
	}

	ext := ".bin"
	switch {
	case strings.HasPrefix(contentType, "image/"):
		ext = "." + strings.TrimPrefix(contentType, "image/")
	case contentType == "application/pdf":
		ext = ".pdf"
	case strings.HasPrefix(contentType, "text/"):
		ext = ".txt"
	}
	return fmt.Sprintf("attachment_%d%s", index, ext)
}

// cleanEmail 移除角括號與空白
func cleanEmail(email string) string {
	email = strings.TrimSpace(email)
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")
	return email
}

// domainAllowed 寄件網域是否在允許清單 (含子網域)，清單為空表示全部允許
func domainAllowed(from string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(from[at+1:])
	for _, allowed := range domains {
		allowed = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(allowed), "@"))
		if allowed == "" {
			continue
		}
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}
