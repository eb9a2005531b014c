// internal/api/handlers/mail_handler.go
// 郵件 API Handler

package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mail-relay/internal/anymail"
	"mail-relay/internal/esp"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// MailStore 郵件收件與查詢
type MailStore interface {
	StoreAttachment(mailID uuid.UUID, filename string, data []byte) (string, error)
	Submit(ctx context.Context, mailID uuid.UUID, job *models.MailJob, clientID, clientName string) error
	GetStatus(ctx context.Context, mailID string) (*models.MailStatusCache, error)
	History(ctx context.Context, q services.HistoryQuery) ([]models.Mail, int64, error)
	Cancel(ctx context.Context, mailID, clientID string) error
}

// MailHandler 郵件 Handler
type MailHandler struct {
	store               MailStore
	maxAttachmentSizeMB int
	log                 *zerolog.Logger
}

// NewMailHandler 建立 Mail Handler
func NewMailHandler(store MailStore, maxAttachmentSizeMB int, log *zerolog.Logger) *MailHandler {
	return &MailHandler{store: store, maxAttachmentSizeMB: maxAttachmentSizeMB, log: log}
}

// SendRequest 發送郵件請求
type SendRequest struct {
	ESP         string              `json:"esp,omitempty"`
	From        string              `json:"from" binding:"required"`
	To          []string            `json:"to,omitempty"`
	CC          []string            `json:"cc,omitempty"`
	BCC         []string            `json:"bcc,omitempty"`
	ReplyTo     []string            `json:"reply_to,omitempty"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body,omitempty"`
	HTML        string              `json:"html,omitempty"`
	Headers     []anymail.Header    `json:"headers,omitempty"`
	Attachments []AttachmentRequest `json:"attachments,omitempty"`

	Metadata        map[string]any            `json:"metadata,omitempty"`
	SendAt          string                    `json:"send_at,omitempty"`
	Tags            []string                  `json:"tags,omitempty"`
	TrackClicks     *bool                     `json:"track_clicks,omitempty"`
	TrackOpens      *bool                     `json:"track_opens,omitempty"`
	TemplateID      string                    `json:"template_id,omitempty"`
	MergeData       map[string]map[string]any `json:"merge_data,omitempty"`
	MergeGlobalData map[string]any            `json:"merge_global_data,omitempty"`
	ESPExtra        map[string]any            `json:"esp_extra,omitempty"`
	ClearDefaults   []string                  `json:"clear_defaults,omitempty"`
}

// AttachmentRequest 附件請求
type AttachmentRequest struct {
	Filename    string `json:"filename" binding:"required"`
	Content     string `json:"content" binding:"required"`
	ContentType string `json:"content_type"`
	Inline      bool   `json:"inline,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}

// requestError 回應給 client 的錯誤
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func (e *requestError) body() gin.H {
	return gin.H{"success": false, "error": e.code, "message": e.message}
}

func badRequest(code, format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, code: code, message: fmt.Sprintf(format, args...)}
}

// validate 在寫入任何資料前檢查地址與欄位
func (r *SendRequest) validate() *requestError {
	if _, err := anymail.ParseAddress(r.From, ""); err != nil {
		return badRequest("invalid_address", "%v", err)
	}
	for _, list := range [][]string{r.To, r.CC, r.BCC, r.ReplyTo} {
		if _, err := anymail.ParseAddresses(list, ""); err != nil {
			return badRequest("invalid_address", "%v", err)
		}
	}
	if len(r.To)+len(r.CC)+len(r.BCC) == 0 {
		return badRequest("validation_error", "at least one of to, cc or bcc is required")
	}
	if r.ESP != "" && !slices.Contains(esp.Names(), esp.Normalize(r.ESP, "")) {
		return badRequest("unsupported_esp", "unsupported ESP %q", r.ESP)
	}
	if err := services.ValidateClearDefaults(r.ClearDefaults); err != nil {
		return badRequest("validation_error", "%v", err)
	}
	return nil
}

func (r *SendRequest) toJob() *models.MailJob {
	return &models.MailJob{
		ESP:             r.ESP,
		FromAddress:     r.From,
		ToAddresses:     r.To,
		CCAddresses:     r.CC,
		BCCAddresses:    r.BCC,
		ReplyTo:         r.ReplyTo,
		Subject:         r.Subject,
		Body:            r.Body,
		HTML:            r.HTML,
		Headers:         r.Headers,
		Metadata:        r.Metadata,
		SendAt:          r.SendAt,
		Tags:            r.Tags,
		TrackClicks:     r.TrackClicks,
		TrackOpens:      r.TrackOpens,
		TemplateID:      r.TemplateID,
		MergeData:       r.MergeData,
		MergeGlobalData: r.MergeGlobalData,
		ESPExtra:        r.ESPExtra,
		ClearDefaults:   r.ClearDefaults,
	}
}

// Send 發送單封郵件
func (h *MailHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	clientID, clientName := clientInfo(c)
	mailID, reqErr := h.enqueue(c.Request.Context(), &req, clientID, clientName)
	if reqErr != nil {
		c.JSON(reqErr.status, reqErr.body())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mail_id": mailID.String(),
		"status":  models.MailStatusQueued,
		"message": "郵件已加入發送隊列",
	})
}

// SendBatch 批次發送郵件，單封失敗不影響其他郵件
func (h *MailHandler) SendBatch(c *gin.Context) {
	var req struct {
		Mails []SendRequest `json:"mails" binding:"required,min=1,dive"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	clientID, clientName := clientInfo(c)
	batchID := uuid.New().String()
	results := make([]gin.H, 0, len(req.Mails))
	queued := 0

	for i := range req.Mails {
		mailID, reqErr := h.enqueue(c.Request.Context(), &req.Mails[i], clientID, clientName)
		if reqErr != nil {
			results = append(results, gin.H{
				"mail_id": nil,
				"status":  models.MailStatusFailed,
				"error":   reqErr.message,
			})
			continue
		}
		queued++
		results = append(results, gin.H{
			"mail_id": mailID.String(),
			"status":  models.MailStatusQueued,
		})
	}

	h.log.Info().Str("batch_id", batchID).Int("total", len(req.Mails)).Int("queued", queued).Msg("batch received")
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"batch_id": batchID,
		"queued":   queued,
		"results":  results,
	})
}

// enqueue 驗證、儲存附件並排入佇列
func (h *MailHandler) enqueue(ctx context.Context, req *SendRequest, clientID, clientName string) (uuid.UUID, *requestError) {
	if reqErr := req.validate(); reqErr != nil {
		return uuid.Nil, reqErr
	}

	// 先解碼全部附件，確認都合法後才寫入磁碟
	contents := make([][]byte, len(req.Attachments))
	for i, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return uuid.Nil, badRequest("invalid_attachment", "Invalid base64 content for %s", att.Filename)
		}
		if len(content) > h.maxAttachmentSizeMB*1024*1024 {
			return uuid.Nil, badRequest("attachment_too_large", "%s exceeds maximum size of %dMB", att.Filename, h.maxAttachmentSizeMB)
		}
		contents[i] = content
	}

	mailID := uuid.New()
	job := req.toJob()
	for i, att := range req.Attachments {
		path, err := h.store.StoreAttachment(mailID, att.Filename, contents[i])
		if err != nil {
			h.log.Error().Err(err).Str("mail_id", mailID.String()).Msg("failed to save attachment")
			return uuid.Nil, &requestError{status: http.StatusInternalServerError, code: "storage_error", message: "Failed to save attachment"}
		}
		job.Attachments = append(job.Attachments, models.AttachmentInfo{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			SizeBytes:   int64(len(contents[i])),
			StoragePath: path,
			Inline:      att.Inline,
			ContentID:   att.ContentID,
		})
	}

	if err := h.store.Submit(ctx, mailID, job, clientID, clientName); err != nil {
		h.log.Error().Err(err).Str("mail_id", mailID.String()).Msg("failed to submit mail")
		return uuid.Nil, &requestError{status: http.StatusInternalServerError, code: "queue_error", message: "Failed to queue mail"}
	}
	return mailID, nil
}

// GetStatus 查詢郵件狀態
func (h *MailHandler) GetStatus(c *gin.Context) {
	status, err := h.store.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrMailNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": "Mail not found",
			})
			return
		}
		h.log.Error().Err(err).Str("mail_id", c.Param("id")).Msg("failed to get status")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "database_error",
			"message": "Failed to get mail status",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetHistory 查詢郵件歷史
func (h *MailHandler) GetHistory(c *gin.Context) {
	clientID, _ := clientInfo(c)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	page = max(page, 1)
	limit = min(max(limit, 1), 100)

	mails, total, err := h.store.History(c.Request.Context(), services.HistoryQuery{
		ClientID: clientID,
		Status:   c.Query("status"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		h.log.Error().Err(err).Str("client_id", clientID).Msg("failed to query history")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "database_error",
			"message": "Failed to query history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"page":  page,
		"limit": limit,
		"data":  mails,
	})
}

// Cancel 取消郵件
func (h *MailHandler) Cancel(c *gin.Context) {
	mailID := c.Param("id")
	clientID, _ := clientInfo(c)

	err := h.store.Cancel(c.Request.Context(), mailID, clientID)
	switch {
	case errors.Is(err, services.ErrMailNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "Mail not found",
		})
		return
	case errors.Is(err, services.ErrNotCancellable):
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "cannot_cancel",
			"message": "Only queued mails can be cancelled",
		})
		return
	case err != nil:
		h.log.Error().Err(err).Str("mail_id", mailID).Msg("failed to cancel mail")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "database_error",
			"message": "Failed to cancel mail",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mail_id": mailID,
		"status":  models.MailStatusCancelled,
		"message": "郵件已取消",
	})
}

// clientInfo 由 JWT 中介軟體設定
func clientInfo(c *gin.Context) (string, string) {
	return c.GetString("client_id"), c.GetString("client_name")
}
