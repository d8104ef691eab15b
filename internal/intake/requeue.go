package intake

import (
	"context"
	"strconv"
	"time"

	"execbox/internal/common/mq"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const poolRetryHeader = "x-pool-retry"

// RetryPolicy controls how messages are requeued while the pool is full.
// An empty Topic disables requeueing; full-pool jobs are then rejected.
type RetryPolicy struct {
	Topic      string
	DeadLetter string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func parsePoolRetryCount(headers map[string]string) int {
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// cloneForRetry copies msg with a fresh timestamp. The remaining TTL is kept
// so a requeued job still expires at its original deadline.
func cloneForRetry(msg *mq.Message, retryCount int) *mq.Message {
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
	}
	if deadline, ok := msg.ExpiresAt(); ok {
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		out.Expiration = remaining
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

func computePoolBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// requeue republishes msg onto the retry topic after a backoff. Once the
// retries are used up it parks a copy on the dead letter topic, if any, and
// returns ExecQueueFull so the caller rejects the job.
func requeue(ctx context.Context, producer mq.Producer, policy RetryPolicy, msg *mq.Message) error {
	if producer == nil || policy.Topic == "" {
		return appErr.New(appErr.ExecQueueFull).WithMessage("worker pool is full")
	}
	retryCount := parsePoolRetryCount(msg.Headers)
	if policy.MaxRetries > 0 && retryCount >= policy.MaxRetries {
		logger.Warn(ctx, "worker pool retry exhausted", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.String("dead_letter", policy.DeadLetter))
		if policy.DeadLetter != "" {
			if err := producer.Publish(ctx, policy.DeadLetter, cloneForRetry(msg, retryCount)); err != nil {
				logger.Error(ctx, "dead letter publish failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
		return appErr.New(appErr.ExecQueueFull).WithMessage("worker pool is full")
	}
	delay := computePoolBackoff(retryCount, policy.BaseDelay, policy.MaxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "worker pool requeue", zap.Int("retry_count", retryCount+1), zap.String("message_id", msg.ID), zap.Duration("delay", delay), zap.String("topic", policy.Topic))
	return producer.Publish(ctx, policy.Topic, cloneForRetry(msg, retryCount+1))
}
