package completion

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-dispatch/internal/app"
	"github.com/acme/voice-campaign-dispatch/internal/queue"
)

// Worker consumes provider completion notifications and applies them through
// the dispatch engine. Duplicate deliveries are harmless; the engine's
// status-gated transitions absorb them.
type Worker struct {
	container *app.Container
}

// New creates a completion worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run processes completion events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-completion"
	reader := w.container.Kafka.NewReader(cfg.Kafka.CompletionTopic, groupID)
	defer reader.Close()

	engine := w.container.Engine()
	logger := w.container.Logger

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("completion worker: fetch", zap.Error(err))
			continue
		}

		var completion queue.CompletionMessage
		if err := json.Unmarshal(msg.Value, &completion); err != nil {
			logger.Error("completion worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		tracer := otel.Tracer("dispatch.completionworker")
		sctx, span := tracer.Start(ctx, "call.completion", trace.WithAttributes(
			attribute.String("call.reference", completion.CallReference),
			attribute.String("call.outcome", completion.Outcome),
		))

		if err := engine.HandleCompletion(sctx, completion); err != nil {
			span.RecordError(err)
			logger.Error("completion worker: handle",
				zap.String("call_reference", completion.CallReference),
				zap.Error(err))
			// Transient store failures are retried by not committing; the
			// message is redelivered after a rebalance or restart.
			span.End()
			continue
		}

		if err := reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			logger.Error("completion worker: commit", zap.Error(err))
		}
		span.End()
	}
}
