package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mqcontract "taskviews/contracts/mq"
	"taskviews/internal/model"
	"taskviews/internal/projection"
	"taskviews/pkg/logger"
	"taskviews/pkg/metrics"
	"taskviews/pkg/otel"
	"taskviews/pkg/trace"
	"taskviews/pkg/util"
)

// Applier 把变更投影到视图
type Applier interface {
	ApplyTaskChange(ctx context.Context, m model.TaskMutation) (*projection.Result, error)
	ApplyUserChange(ctx context.Context, m model.UserMutation) (*projection.Result, error)
}

// Checkpoints tracks handled sequences per stream partition. A sequence is
// Done only once committed; Begin marks it in flight until then.
type Checkpoints interface {
	Done(stream string, partition int, seq uint64) (bool, error)
	Begin(stream string, partition int, seq uint64) error
	Commit(stream string, partition int, seq uint64) error
}

type FailureRecorder interface {
	Record(ctx context.Context, failures []model.ViewFailureRecord) error
}

type DeadLetter interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// DeliveryCounter 统计同一批次的投递次数（含重投）
type DeliveryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type Config struct {
	ItemParallelism int
	BatchTimeout    time.Duration
	// MaxDeliveries 超过该投递次数的批次进入死信队列，0 表示不检查
	MaxDeliveries int64
}

// ChangeHandler 消费任务和用户变更批次。
// 所有条目处理完、失败视图都写入重试台账后才 ack；
// 源数据读取失败或超时则整批失败，重投后从头处理
type ChangeHandler struct {
	engine      Applier
	checkpoints Checkpoints
	failures    FailureRecorder
	dlq         DeadLetter
	deliveries  DeliveryCounter
	cfg         Config
	logger      *zap.Logger
}

func NewChangeHandler(engine Applier, checkpoints Checkpoints, failures FailureRecorder, dlq DeadLetter, deliveries DeliveryCounter, cfg Config, log *zap.Logger) *ChangeHandler {
	if cfg.ItemParallelism <= 0 {
		cfg.ItemParallelism = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChangeHandler{
		engine:      engine,
		checkpoints: checkpoints,
		failures:    failures,
		dlq:         dlq,
		deliveries:  deliveries,
		cfg:         cfg,
		logger:      log,
	}
}

// HandleTaskBatch handles one tasks.changed message.
func (h *ChangeHandler) HandleTaskBatch(ctx context.Context, raw json.RawMessage) error {
	b, err := mqcontract.DecodeTaskChangeBatch(raw)
	if err != nil {
		return h.deadLetter(ctx, mqcontract.StreamTasks, mqcontract.RoutingKeyTasksChanged, raw, err)
	}
	return handleBatch(ctx, h, batch[model.TaskMutation]{
		stream:     b.Stream,
		routingKey: mqcontract.RoutingKeyTasksChanged,
		partition:  b.Partition,
		sequence:   b.Sequence,
		traceID:    b.TraceID,
		items:      b.Items,
		raw:        raw,
		apply:      h.engine.ApplyTaskChange,
		itemID:     model.TaskMutation.TaskID,
	})
}

// HandleUserBatch handles one users.changed message.
func (h *ChangeHandler) HandleUserBatch(ctx context.Context, raw json.RawMessage) error {
	b, err := mqcontract.DecodeUserChangeBatch(raw)
	if err != nil {
		return h.deadLetter(ctx, mqcontract.StreamUsers, mqcontract.RoutingKeyUsersChanged, raw, err)
	}
	return handleBatch(ctx, h, batch[model.UserMutation]{
		stream:     b.Stream,
		routingKey: mqcontract.RoutingKeyUsersChanged,
		partition:  b.Partition,
		sequence:   b.Sequence,
		traceID:    b.TraceID,
		items:      b.Items,
		raw:        raw,
		apply:      h.engine.ApplyUserChange,
		itemID:     model.UserMutation.UserID,
	})
}

type batch[M any] struct {
	stream     string
	routingKey string
	partition  int
	sequence   uint64
	traceID    string
	items      []M
	raw        []byte
	apply      func(context.Context, M) (*projection.Result, error)
	itemID     func(M) string
}

func handleBatch[M any](ctx context.Context, h *ChangeHandler, b batch[M]) (err error) {
	start := time.Now()
	ctx, _ = trace.Ensure(ctx, b.traceID)
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("stream", b.stream),
		zap.Int("partition", b.partition),
		zap.Uint64("sequence", b.sequence),
	)

	status := "success"
	defer func() {
		if err != nil {
			status = "failed"
		}
		metrics.RecordChangeBatch(b.stream, status, time.Since(start))
	}()

	done, err := h.checkpoints.Done(b.stream, b.partition, b.sequence)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if done {
		status = "skipped"
		log.Debug("Batch already checkpointed, skipping")
		return nil
	}
	// 未提交前一直处于在途状态，后续批次先提交也不会让它被当作重放跳过
	if err := h.checkpoints.Begin(b.stream, b.partition, b.sequence); err != nil {
		return fmt.Errorf("mark batch in flight: %w", err)
	}

	retryKey := util.FormatRetryKey(b.stream, b.partition, b.sequence)
	if h.deliveries != nil && h.cfg.MaxDeliveries > 0 {
		n, cerr := h.deliveries.IncrementAndGet(ctx, retryKey)
		if cerr != nil {
			log.Warn("Failed to count batch delivery", zap.Error(cerr))
		} else if n > h.cfg.MaxDeliveries {
			status = "dlq"
			reason := fmt.Errorf("batch delivered %d times, max %d", n, h.cfg.MaxDeliveries)
			if err := h.publishDLQ(ctx, b.routingKey, b.raw, reason); err != nil {
				return err
			}
			log.Error("Poison batch moved to DLQ", zap.Int64("deliveries", n))
			return h.commit(ctx, log, b.stream, b.partition, b.sequence, retryKey)
		}
	}

	log.Info("Processing change batch", zap.Int("items", len(b.items)))

	bctx, cancel := context.WithTimeout(ctx, h.cfg.BatchTimeout)
	defer cancel()

	results := make([]*projection.Result, len(b.items))
	var g errgroup.Group
	g.SetLimit(h.cfg.ItemParallelism)
	for i, item := range b.items {
		g.Go(func() error {
			id := b.itemID(item)
			ictx, span := otel.StartSpan(bctx, "projection.apply")
			span.SetAttributes(attribute.String("stream", b.stream), attribute.String("entity.id", id))
			res, aerr := b.apply(ictx, item)
			if res != nil {
				span.SetAttributes(attribute.Int("views", len(res.Keys)), attribute.Int("views.failed", len(res.Failures)))
			}
			otel.EndSpan(span, aerr)
			results[i] = res
			if aerr == nil {
				metrics.IncrementChangeItem(b.stream, "applied")
				return nil
			}
			if retryable, kind := util.IsRetryableError(aerr); !retryable {
				// 无法重放的变更只记录，不阻塞同批次其他条目
				metrics.IncrementChangeItem(b.stream, "rejected")
				log.Warn("Mutation rejected", zap.String("entity_id", id), zap.String("error_type", kind), zap.Error(aerr))
				return nil
			}
			// 路由失败时整批重投
			metrics.IncrementChangeItem(b.stream, "failed")
			return fmt.Errorf("apply %s: %w", id, aerr)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := bctx.Err(); err != nil {
		return fmt.Errorf("batch timed out after %s: %w", h.cfg.BatchTimeout, err)
	}

	total := projection.NewResult()
	for _, r := range results {
		total.Merge(r)
	}
	if records := total.FailureRecords(); len(records) > 0 {
		if err := h.failures.Record(ctx, records); err != nil {
			return fmt.Errorf("record %d failed views: %w", len(records), err)
		}
		status = "partial"
		log.Warn("Views failed, queued for retry", zap.Int("failed", len(records)))
	}

	if err := h.commit(ctx, log, b.stream, b.partition, b.sequence, retryKey); err != nil {
		return err
	}
	log.Info("Change batch processed",
		zap.Int("views", len(total.Keys)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (h *ChangeHandler) commit(ctx context.Context, log *zap.Logger, stream string, partition int, seq uint64, retryKey string) error {
	if err := h.checkpoints.Commit(stream, partition, seq); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	if h.deliveries != nil && h.cfg.MaxDeliveries > 0 {
		if err := h.deliveries.Reset(ctx, retryKey); err != nil {
			log.Warn("Failed to reset delivery count", zap.Error(err))
		}
	}
	return nil
}

// deadLetter 无法解码的消息转入死信队列后 ack
func (h *ChangeHandler) deadLetter(ctx context.Context, stream, routingKey string, raw []byte, cause error) error {
	start := time.Now()
	if err := h.publishDLQ(ctx, routingKey, raw, cause); err != nil {
		metrics.RecordChangeBatch(stream, "failed", time.Since(start))
		return err
	}
	h.logger.Error("Undecodable change batch moved to DLQ",
		zap.String("stream", stream),
		zap.Int("message_size", len(raw)),
		zap.Error(cause),
	)
	metrics.RecordChangeBatch(stream, "dlq", time.Since(start))
	return nil
}

func (h *ChangeHandler) publishDLQ(ctx context.Context, routingKey string, raw []byte, cause error) error {
	if h.dlq == nil {
		return fmt.Errorf("no dead letter queue configured: %w", cause)
	}
	if err := h.dlq.PublishToDLQ(ctx, routingKey, raw, cause.Error()); err != nil {
		return fmt.Errorf("publish to DLQ: %w", err)
	}
	return nil
}
