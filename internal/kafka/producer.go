// Package kafka 提供对赌生命周期事件的 Kafka 生产者
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// 本服务只生产、不消费。所有消息以 wager_id 作为 Partition Key，
// 同一对赌的事件在同一分区内有序。
//
// 1. Topic: wager-created
//    - 消息内容: model.WagerCreatedEvent
//    - 触发时机: Create 成功后 (状态 PendingDeposit)
//
// 2. Topic: wager-settled
//    - 消息内容: model.WagerSettledEvent
//    - 触发时机: 结算完成，状态进入 Accepted
//
// 3. Topic: wager-cancelled / wager-refunded
//    - 消息内容: model.WagerClosedEvent
//    - 触发时机: 创建者取消 / 管理员强制退款
//
// 4. Topic: settlement-review-required
//    - 消息内容: model.SettlementReviewEvent
//    - 触发时机: 结算中途失败且已有转账广播，对赌被标记 NeedsReview
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	TopicWagerCreated     = "wager-created"
	TopicWagerSettled     = "wager-settled"
	TopicWagerCancelled   = "wager-cancelled"
	TopicWagerRefunded    = "wager-refunded"
	TopicSettlementReview = "settlement-review-required"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Idempotent = false

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer), nil
}

// NewProducerWithClient 使用已有的 SyncProducer，测试可传入 mocks.SyncProducer
func NewProducerWithClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.KafkaMessagesProduced.WithLabelValues(topic, "failed").Inc()
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.KafkaMessagesProduced.WithLabelValues(topic, "success").Inc()

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *Producer) sendJSON(topic, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.send(topic, key, data)
}

// EventPublisher Kafka 事件发布器
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher 创建 Kafka 事件发布器
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (p *EventPublisher) PublishWagerCreated(ctx context.Context, event *model.WagerCreatedEvent) error {
	return p.producer.sendJSON(TopicWagerCreated, event.WagerID, event)
}

func (p *EventPublisher) PublishWagerSettled(ctx context.Context, event *model.WagerSettledEvent) error {
	return p.producer.sendJSON(TopicWagerSettled, event.WagerID, event)
}

// PublishWagerClosed 按状态选择 wager-cancelled 或 wager-refunded
func (p *EventPublisher) PublishWagerClosed(ctx context.Context, event *model.WagerClosedEvent) error {
	topic := TopicWagerCancelled
	if event.Status == model.WagerStatusRefunded.String() {
		topic = TopicWagerRefunded
	}
	return p.producer.sendJSON(topic, event.WagerID, event)
}

func (p *EventPublisher) PublishSettlementReview(ctx context.Context, event *model.SettlementReviewEvent) error {
	return p.producer.sendJSON(TopicSettlementReview, event.WagerID, event)
}
