package mqhandler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	mqcontracts "newsbrief/contracts/mq"
	"newsbrief/internal/util"
	"newsbrief/pkg/trace"
)

const digestRunHandler = "digest_run"

// Runner executes one digest run. The digest service implements it.
type Runner interface {
	Run(ctx context.Context, userID string, day time.Time) error
}

// DLQPublisher parks poisoned or exhausted messages.
type DLQPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// Deduper guards against redelivered duplicates.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, runKey string) bool
	Release(ctx context.Context, handler, runKey string)
}

// RetryCounter tracks redelivery attempts per run.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DigestRunHandler consumes digest.run tasks. Delivery is at least once, so it
// dedupes on the per-task run id before running: broker redeliveries of one
// task are dropped, while a deliberate re-enqueue of an already processed day
// carries a fresh run id and runs again. A failed retryable run releases the
// dedup lock so the redelivery can pass it. Returning nil acks the message,
// returning an error nacks it back onto the queue.
type DigestRunHandler struct {
	runner     Runner
	deduper    Deduper
	retries    RetryCounter
	dlq        DLQPublisher
	maxRetries int64
	logger     *zap.Logger
}

func NewDigestRunHandler(
	runner Runner,
	deduper Deduper,
	retries RetryCounter,
	dlq DLQPublisher,
	maxRetries int64,
	logger *zap.Logger,
) *DigestRunHandler {
	return &DigestRunHandler{
		runner:     runner,
		deduper:    deduper,
		retries:    retries,
		dlq:        dlq,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Handle processes one digest.run delivery.
func (h *DigestRunHandler) Handle(ctx context.Context, body json.RawMessage) error {
	var payload mqcontracts.DigestRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return h.park(body, "malformed payload: "+err.Error())
	}
	if payload.UserID == "" {
		return h.park(body, "missing user_id")
	}
	day, err := time.ParseInLocation("2006-01-02", payload.Day, time.UTC)
	if err != nil {
		return h.park(body, "invalid day: "+err.Error())
	}

	if trace.FromContext(ctx) == "" && payload.TraceID != "" {
		ctx = trace.WithContext(ctx, payload.TraceID)
	}
	logger := h.logger.With(
		zap.String("user_id", payload.UserID),
		zap.String("day", payload.Day),
		zap.String("trace_id", trace.FromContext(ctx)),
	)

	runKey := payload.RunID
	if runKey == "" {
		// hand-crafted messages without a run id dedupe on the day itself
		runKey = payload.UserID + ":" + payload.Day
	}
	if !h.deduper.AcquireOnce(ctx, digestRunHandler, runKey) {
		logger.Info("Duplicate digest run delivery skipped",
			zap.String("run_id", payload.RunID),
		)
		return nil
	}

	runErr := h.runner.Run(ctx, payload.UserID, day)
	if runErr == nil {
		if err := h.retries.Reset(ctx, util.FormatRetryKey(digestRunHandler, runKey)); err != nil {
			logger.Warn("Failed to reset retry counter", zap.Error(err))
		}
		return nil
	}

	retryable, errType := util.IsRetryableError(runErr)
	if !retryable {
		// fatal for this run; the user is skipped, the message is consumed
		logger.Warn("Digest run failed permanently",
			zap.String("error_type", errType),
			zap.Error(runErr),
		)
		return nil
	}

	retryKey := util.FormatRetryKey(digestRunHandler, runKey)
	count, err := h.retries.IncrementAndGet(ctx, retryKey)
	if err != nil {
		logger.Warn("Retry counter unavailable, requeueing", zap.Error(err))
		h.deduper.Release(ctx, digestRunHandler, runKey)
		return runErr
	}

	if !util.ShouldRetry(count, h.maxRetries, retryable) {
		logger.Error("Digest run exhausted retries, parking message",
			zap.Int64("attempts", count),
			zap.String("error_type", errType),
			zap.Error(runErr),
		)
		if err := h.retries.Reset(ctx, retryKey); err != nil {
			logger.Warn("Failed to reset retry counter", zap.Error(err))
		}
		return h.park(body, runErr.Error())
	}

	logger.Warn("Digest run failed, requeueing",
		zap.Int64("attempt", count),
		zap.String("error_type", errType),
		zap.Error(runErr),
	)
	h.deduper.Release(ctx, digestRunHandler, runKey)
	return runErr
}

// park sends the message to the DLQ and acks it.
func (h *DigestRunHandler) park(body []byte, reason string) error {
	if err := h.dlq.PublishToDLQ(mqcontracts.RoutingKeyDigestRun, body, reason); err != nil {
		h.logger.Error("Failed to publish to DLQ", zap.Error(err))
		// losing the message is worse than reprocessing it
		return err
	}
	return nil
}
