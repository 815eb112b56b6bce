// Package observability provides structured logging, metrics and tracing for
// event dispatch: routing decisions, unit-of-work outcomes, bus publishes and
// deliveries.
//
// Logging uses slog. Metrics and tracing use the global OpenTelemetry
// providers, with no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event identity to a logger.
func EnrichLogger(logger *slog.Logger, eventType, eventID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogRouted logs the routing decision for one event.
func LogRouted(logger *slog.Logger, eventType, kind, mode string) {
	if logger == nil {
		return
	}
	logger.Debug("event routed",
		slog.String("event_type", eventType),
		slog.String("kind", kind),
		slog.String("mode", mode),
	)
}

// LogUnitOfWorkCommitted logs a committed unit of work.
func LogUnitOfWorkCommitted(logger *slog.Logger, durationMs float64, dispatched, published, failed int) {
	if logger == nil {
		return
	}
	logger.Info("unit of work committed",
		slog.Float64("duration_ms", durationMs),
		slog.Int("domain_dispatched", dispatched),
		slog.Int("integration_published", published),
		slog.Int("integration_failed", failed),
	)
}

// LogUnitOfWorkAborted logs a unit of work that was rolled back.
func LogUnitOfWorkAborted(logger *slog.Logger, state string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("unit of work aborted",
		slog.String("state", state),
		slog.String("error", errString(err)),
	)
}

// LogPostCommitPublishFailure logs an integration event lost after its commit.
func LogPostCommitPublishFailure(logger *slog.Logger, eventType, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("integration event not published after commit",
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.String("error", errString(err)),
	)
}

// LogCommitError logs a commit failure in the background commit handler.
func LogCommitError(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("background commit failed",
		slog.String("event_type", eventType),
		slog.String("error", errString(err)),
	)
}

// LogPublished logs an integration event handed to the broker.
func LogPublished(logger *slog.Logger, exchange, eventType, eventID string) {
	if logger == nil {
		return
	}
	logger.Debug("integration event published",
		slog.String("exchange", exchange),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogPublishError logs a failed broker publish.
func LogPublishError(logger *slog.Logger, exchange, eventType, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("publish failed",
		slog.String("exchange", exchange),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.String("error", errString(err)),
	)
}

// LogSubscribed logs a declared and consuming subscription.
func LogSubscribed(logger *slog.Logger, eventType, queue, deadLetterQueue string, retryQueues int) {
	if logger == nil {
		return
	}
	logger.Info("subscribed",
		slog.String("event_type", eventType),
		slog.String("queue", queue),
		slog.String("dead_letter_queue", deadLetterQueue),
		slog.Int("retry_queues", retryQueues),
	)
}

// LogDeliveryProcessed logs a delivery handled and acknowledged.
func LogDeliveryProcessed(logger *slog.Logger, eventType, messageID string, retryCount int) {
	if logger == nil {
		return
	}
	logger.Debug("delivery processed",
		slog.String("event_type", eventType),
		slog.String("message_id", messageID),
		slog.Int("retry_count", retryCount),
	)
}

// LogDuplicateDelivery logs a delivery skipped by the idempotency guard.
func LogDuplicateDelivery(logger *slog.Logger, eventType, messageID string) {
	if logger == nil {
		return
	}
	logger.Info("duplicate delivery skipped",
		slog.String("event_type", eventType),
		slog.String("message_id", messageID),
	)
}

// LogDeliveryRetry logs a failed delivery scheduled on the retry ladder.
func LogDeliveryRetry(logger *slog.Logger, eventType string, retryCount, maxAttempts int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("delivery failed, scheduled for retry",
		slog.String("event_type", eventType),
		slog.Int("retry_count", retryCount),
		slog.Int("max_attempts", maxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", errString(err)),
	)
}

// LogDeadLettered logs a delivery moved to the dead-letter queue.
func LogDeadLettered(logger *slog.Logger, eventType string, retryCount int, err error) {
	if logger == nil {
		return
	}
	logger.Error("delivery dead-lettered",
		slog.String("event_type", eventType),
		slog.Int("retry_count", retryCount),
		slog.String("error", errString(err)),
	)
}

// LogEscalationError logs a failed retry or dead-letter publish. The original
// delivery is already acknowledged, so the message is lost.
func LogEscalationError(logger *slog.Logger, eventType, exchange string, err error) {
	if logger == nil {
		return
	}
	logger.Error("retry escalation publish failed, delivery lost",
		slog.String("event_type", eventType),
		slog.String("exchange", exchange),
		slog.String("error", errString(err)),
	)
}

// LogIdempotencyError logs a guard failure; processing continues without the guard.
func LogIdempotencyError(logger *slog.Logger, op, key string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("idempotency guard unavailable",
		slog.String("operation", op),
		slog.String("key", key),
		slog.String("error", errString(err)),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// TimedOperation returns a function that reports elapsed milliseconds.
//
//	elapsed := TimedOperation()
//	doWork()
//	durationMs := elapsed()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000.0
	}
}
