package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"taskviews/pkg/metrics"
	"taskviews/pkg/otel"
	"taskviews/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// ErrDeliveriesClosed means the broker closed the channel under the consumer.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

type Consumer struct {
	cfg     ConsumerConfig
	conn    *amqp091.Connection
	channel *amqp091.Channel
	tag     string
	handler MessageHandler
	logger  *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = ExchangeName
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	conn, err := NewConnection(cfg.URL, "taskviews-"+cfg.Queue)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	closeAll := func() {
		ch.Close()
		conn.Close()
	}

	if err := DeclareExchange(ch, cfg.Exchange); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	// 每个队列按顺序处理，prefetch 只控制预取
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", cfg.RoutingKey),
		zap.String("queue", cfg.Queue),
		zap.String("exchange", cfg.Exchange),
		zap.Int("prefetch", cfg.Prefetch),
	)

	return &Consumer{
		cfg:     cfg,
		conn:    conn,
		channel: ch,
		tag:     "taskviews-" + uuid.NewString(),
		logger:  logger,
		stopped: make(chan struct{}),
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// IsConnected reports whether the broker connection is alive.
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Stop cancels the subscription. Messages already received are finished,
// unacked ones are redelivered by the broker.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.cfg.Queue), zap.Error(err))
		}
	})
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Start consumes messages until ctx is done, Stop is called or the broker
// closes the channel. It blocks and should be called in a goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.cfg.Queue,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.cfg.RoutingKey),
		zap.String("queue", c.cfg.Queue),
	)

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return nil
		case <-c.stopped:
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				select {
				case <-c.stopped:
					return nil
				default:
					return ErrDeliveriesClosed
				}
			}
			c.handle(ctx, msg)
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(c.cfg.RoutingKey, c.cfg.Queue, time.Since(start))
	}()

	ctx = otel.ExtractMQ(ctx, msg.Headers)
	traceID, _ := msg.Headers[trace.HeaderName].(string)
	ctx, _ = trace.Ensure(ctx, traceID)
	ctx, span := otel.MQConsumeSpan(ctx, c.cfg.RoutingKey, c.cfg.Queue)

	var handlerErr error
	defer func() { otel.EndSpan(span, handlerErr) }()

	log := c.logger.With(
		zap.String("routing_key", c.cfg.RoutingKey),
		zap.String("queue", c.cfg.Queue),
		zap.String("trace_id", trace.FromContext(ctx)),
	)
	log.Debug("Received message",
		zap.Int("message_size", len(msg.Body)),
		zap.Bool("redelivered", msg.Redelivered),
	)

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			handlerErr = fmt.Errorf("handler panic: %v", r)
			log.Error("Handler panic recovered", zap.Any("panic", r))
			if err := msg.Nack(false, true); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	if handlerErr = c.handler(ctx, msg.Body); handlerErr != nil {
		log.Error("Handler error", zap.Error(handlerErr))
		// 业务失败 → 拒绝消息并重新入队，让 MQ 重试
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
		return
	}
	log.Debug("Message processed successfully")
}
