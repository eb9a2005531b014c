// internal/services/queue_service.go
// RabbitMQ 隊列服務

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

const (
	deadLetterExchange = "dlx"
	failedRoutingKey   = "failed"
	retryCountHeader   = "x-retry-count"
	consumerTag        = "mail-relay-worker"
)

// QueueService RabbitMQ 隊列服務
type QueueService struct {
	cfg     *config.Config
	log     *zerolog.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
}

// NewQueueService 建立隊列服務
func NewQueueService(cfg *config.Config, log *zerolog.Logger) (*QueueService, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	svc := &QueueService{
		cfg:     cfg,
		log:     log,
		conn:    conn,
		channel: channel,
	}

	// 宣告隊列
	if err := svc.declareQueues(); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return svc, nil
}

// declareQueues 宣告所有隊列
func (s *QueueService) declareQueues() error {
	// 宣告死信交換器
	if err := s.channel.ExchangeDeclare(
		deadLetterExchange, // name
		"direct",           // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("failed to declare DLX: %w", err)
	}

	// 主郵件隊列，被拒絕的訊息轉到 DLX
	if _, err := s.channel.QueueDeclare(
		s.cfg.MailQueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    deadLetterExchange,
			"x-dead-letter-routing-key": failedRoutingKey,
		},
	); err != nil {
		return fmt.Errorf("failed to declare mail queue: %w", err)
	}

	// 重試隊列：訊息到期後回到主隊列
	if _, err := s.channel.QueueDeclare(
		s.cfg.RetryQueueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": s.cfg.MailQueueName,
		},
	); err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	// 失敗隊列
	if _, err := s.channel.QueueDeclare(
		s.cfg.FailedQueueName,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare failed queue: %w", err)
	}

	// 綁定失敗隊列到 DLX
	if err := s.channel.QueueBind(
		s.cfg.FailedQueueName,
		failedRoutingKey,
		deadLetterExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind failed queue: %w", err)
	}

	s.log.Info().
		Str("mail_queue", s.cfg.MailQueueName).
		Str("retry_queue", s.cfg.RetryQueueName).
		Str("failed_queue", s.cfg.FailedQueueName).
		Msg("RabbitMQ queues declared")
	return nil
}

func (s *QueueService) publish(ctx context.Context, queue string, job *models.MailJob, pub amqp.Publishing) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pub.DeliveryMode = amqp.Persistent
	pub.ContentType = "application/json"
	pub.Body = body
	if err := s.channel.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// PublishMail 發布郵件到隊列
func (s *QueueService) PublishMail(ctx context.Context, job *models.MailJob) error {
	return s.publish(ctx, s.cfg.MailQueueName, job, amqp.Publishing{})
}

// PublishRetry 發布到重試隊列，延遲到期後回到主隊列
func (s *QueueService) PublishRetry(ctx context.Context, job *models.MailJob, delayMs int64) error {
	return s.publish(ctx, s.cfg.RetryQueueName, job, amqp.Publishing{
		Expiration: fmt.Sprintf("%d", delayMs),
		Headers: amqp.Table{
			retryCountHeader: job.RetryCount,
		},
	})
}

// PublishFailed 發布到失敗隊列
func (s *QueueService) PublishFailed(ctx context.Context, job *models.MailJob, reason string) error {
	return s.publish(ctx, s.cfg.FailedQueueName, job, amqp.Publishing{
		Headers: amqp.Table{
			retryCountHeader: job.RetryCount,
			"x-error":        reason,
		},
	})
}

// Consume 開始消費主隊列
func (s *QueueService) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := s.channel.Consume(
		s.cfg.MailQueueName,
		consumerTag,
		false, // auto-ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", s.cfg.MailQueueName, err)
	}
	return msgs, nil
}

// StopConsuming 停止接收新訊息，已送達的訊息仍可 ack
func (s *QueueService) StopConsuming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.Cancel(consumerTag, false)
}

// Healthy 連線是否仍開啟
func (s *QueueService) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && !s.conn.IsClosed()
}

// Close 關閉連接
func (s *QueueService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
