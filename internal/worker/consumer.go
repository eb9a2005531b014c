// internal/worker/consumer.go
// RabbitMQ Worker Consumer

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"mail-relay/internal/anymail"
	"mail-relay/internal/config"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// Consumer RabbitMQ Consumer
type Consumer struct {
	cfg    *config.Config
	db     *gorm.DB
	queue  *services.QueueService
	router *services.MailRouter
	keydb  *services.KeyDBService
	log    *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	isShutdown atomic.Bool
	activeJobs atomic.Int32
	wg         sync.WaitGroup
}

// NewConsumer 建立 Consumer
func NewConsumer(
	cfg *config.Config,
	db *gorm.DB,
	queue *services.QueueService,
	router *services.MailRouter,
	keydb *services.KeyDBService,
	log *zerolog.Logger,
) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:    cfg,
		db:     db,
		queue:  queue,
		router: router,
		keydb:  keydb,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 啟動 Consumer
func (c *Consumer) Start() error {
	msgs, err := c.queue.Consume(c.cfg.WorkerPrefetch)
	if err != nil {
		return err
	}

	c.log.Info().
		Str("queue", c.cfg.MailQueueName).
		Int("concurrency", c.cfg.WorkerConcurrency).
		Msg("worker started")

	for i := 0; i < c.cfg.WorkerConcurrency; i++ {
		c.wg.Add(1)
		go c.processMessages(msgs)
	}
	return nil
}

// processMessages 處理訊息，每個 goroutine 使用自己的 backend
func (c *Consumer) processMessages(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	router := c.router.Clone()
	for msg := range msgs {
		if c.isShutdown.Load() {
			msg.Nack(false, true) // 重新排隊
			continue
		}
		c.handleMessage(msg, router)
	}
}

// handleMessage 處理單一訊息
func (c *Consumer) handleMessage(msg amqp.Delivery, router *services.MailRouter) {
	c.activeJobs.Add(1)
	defer c.activeJobs.Add(-1)

	ctx := c.ctx

	var job models.MailJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		c.log.Error().Err(err).Msg("failed to parse job, dead-lettering")
		msg.Nack(false, false)
		return
	}

	log := c.log.With().Str("mail_id", job.MailID).Int("retry", job.RetryCount).Logger()
	log.Info().Str("from", job.FromAddress).Msg("processing mail")

	// 檢查郵件是否已被取消
	var mail models.Mail
	if err := c.db.WithContext(ctx).Select("id", "status").Where("id = ?", job.MailID).First(&mail).Error; err == nil {
		if mail.Status == models.MailStatusCancelled {
			log.Info().Msg("mail has been cancelled, skipping")
			msg.Ack(false)
			return
		}
	}

	c.setStatus(ctx, &job, models.MailStatusProcessing, "", nil, "")

	espName, msgStatus, sendErr := c.send(ctx, router, &job)

	// 關機中斷的工作重新排隊
	if sendErr != nil && ctx.Err() != nil {
		log.Warn().Err(sendErr).Msg("send interrupted by shutdown, requeueing")
		msg.Nack(false, true)
		return
	}

	out := classify(sendErr)
	event := log.Info()
	if sendErr != nil {
		event = log.Warn().Err(sendErr).Str("error_kind", out.errKind)
	}
	event.Str("esp", espName).Str("outcome", string(out.status)).Bool("retry", out.retry).Msg("send finished")

	switch {
	case out.retry:
		c.handleRetry(ctx, &job, espName, sendErr)
	case out.status == models.MailStatusFailed:
		c.handleFailure(ctx, &job, espName, out, sendErr)
	default:
		c.recordResult(ctx, &job, espName, out, msgStatus)
	}
	msg.Ack(false)
}

// send 建立郵件並透過路由選出的 backend 發送
func (c *Consumer) send(ctx context.Context, router *services.MailRouter, job *models.MailJob) (string, *anymail.Status, error) {
	backend, err := router.Route(job)
	if err != nil {
		return "", nil, err
	}

	msg, err := services.BuildMessage(job)
	if err != nil {
		return backend.ESPName(), nil, err
	}

	sent, err := backend.SendMessages(ctx, []*anymail.Message{msg})
	if err == nil && sent == 0 {
		err = errNoRecipients
	}
	return backend.ESPName(), msg.Status, err
}

var errNoRecipients = errors.New("message has no recipients")

// recordResult 寫入發送結果與收件人狀態
func (c *Consumer) recordResult(ctx context.Context, job *models.MailJob, espName string, out outcome, st *anymail.Status) {
	mailID, err := parseMailID(job.MailID)
	if err != nil {
		c.log.Error().Err(err).Str("mail_id", job.MailID).Msg("invalid mail id")
		return
	}

	now := time.Now()
	updates := map[string]any{
		"status":        out.status,
		"esp":           espName,
		"retry_count":   job.RetryCount,
		"error_kind":    out.errKind,
		"error_message": out.errMsg,
	}
	if st != nil {
		updates["esp_message_id"] = st.MessageID
	}
	if out.status == models.MailStatusSent {
		updates["sent_at"] = now
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Mail{}).Where("id = ?", mailID).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("mail_id = ?", mailID).Delete(&models.RecipientStatus{}).Error; err != nil {
			return err
		}
		rows := models.RecipientRows(mailID, st)
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		c.log.Error().Err(err).Str("mail_id", job.MailID).Msg("failed to persist send result")
	}

	c.setStatus(ctx, job, out.status, espName, st, out.errMsg)
}

// handleRetry API 錯誤以指數退避重試，超過上限視為失敗
func (c *Consumer) handleRetry(ctx context.Context, job *models.MailJob, espName string, sendErr error) {
	job.RetryCount++

	if job.RetryCount >= c.cfg.MaxRetryCount {
		c.log.Error().Str("mail_id", job.MailID).Int("retries", job.RetryCount).Msg("mail failed after max retries")
		c.handleFailure(ctx, job, espName, classifyExhausted(sendErr), sendErr)
		return
	}

	delay := backoff(c.cfg.RetryBaseDelay, job.RetryCount)
	c.log.Info().Str("mail_id", job.MailID).Dur("delay", delay).Int("attempt", job.RetryCount).Msg("retrying mail")

	c.db.WithContext(ctx).Model(&models.Mail{}).Where("id = ?", job.MailID).Updates(map[string]any{
		"status":        models.MailStatusQueued,
		"retry_count":   job.RetryCount,
		"error_message": sendErr.Error(),
	})
	c.setStatus(ctx, job, models.MailStatusQueued, espName, nil, sendErr.Error())

	if err := c.queue.PublishRetry(ctx, job, delay.Milliseconds()); err != nil {
		c.log.Error().Err(err).Str("mail_id", job.MailID).Msg("failed to publish retry")
	}
}

// handleFailure 永久失敗：更新狀態並送到失敗隊列
func (c *Consumer) handleFailure(ctx context.Context, job *models.MailJob, espName string, out outcome, sendErr error) {
	c.db.WithContext(ctx).Model(&models.Mail{}).Where("id = ?", job.MailID).Updates(map[string]any{
		"status":        models.MailStatusFailed,
		"esp":           espName,
		"retry_count":   job.RetryCount,
		"error_kind":    out.errKind,
		"error_message": out.errMsg,
	})
	c.setStatus(ctx, job, models.MailStatusFailed, espName, nil, out.errMsg)

	if err := c.queue.PublishFailed(ctx, job, out.errMsg); err != nil {
		c.log.Error().Err(err).Str("mail_id", job.MailID).Msg("failed to publish to failed queue")
	}
}

func (c *Consumer) setStatus(ctx context.Context, job *models.MailJob, status models.MailStatus, espName string, st *anymail.Status, errMsg string) {
	if status == models.MailStatusProcessing {
		c.db.WithContext(ctx).Model(&models.Mail{}).Where("id = ?", job.MailID).Update("status", status)
	}
	if c.keydb == nil {
		return
	}
	entry := services.SendStatusEntry(job.MailID, status, espName, st, job.RetryCount, errMsg)
	if err := c.keydb.SetStatus(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("mail_id", job.MailID).Msg("failed to cache status")
	}
}

// GracefulShutdown 優雅關機
func (c *Consumer) GracefulShutdown(timeout time.Duration) {
	c.log.Info().Msg("initiating graceful shutdown")
	c.isShutdown.Store(true)

	// 停止接收新訊息
	if err := c.queue.StopConsuming(); err != nil {
		c.log.Warn().Err(err).Msg("failed to cancel consumer")
	}

	done := make(chan struct{})
	go func() {
		c.waitIdle()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		c.log.Warn().Int32("active", c.activeJobs.Load()).Msg("shutdown timeout, cancelling in-flight sends")
		c.cancel()
		<-done
	}
	c.cancel()
	c.log.Info().Msg("worker shutdown complete")
}

func (c *Consumer) waitIdle() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if c.activeJobs.Load() == 0 {
			return
		}
	}
}
