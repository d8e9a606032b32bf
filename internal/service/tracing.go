package service

import (
	"context"
	"errors"
	"time"

	"story-graph-server/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("story-graph-server/internal/service")

// startOperation открывает span и возвращает функцию завершения, которая пишет метрики.
func startOperation(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err *error)) {
	ctx, span := tracer.Start(ctx, "StoryEngine."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		engineOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		engineOperations.WithLabelValues(op, resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrChoiceNotFound):
		return "not_found"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, models.ErrStoryNotActive):
		return "not_active"
	case errors.Is(err, models.ErrStoryNotEnded):
		return "not_ended"
	case errors.Is(err, models.ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, models.ErrGenerationFailed):
		return "generation_error"
	case errors.Is(err, models.ErrStorage):
		return "storage_error"
	case errors.Is(err, models.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
