package oauth

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type correlationKey struct{}

// NewCorrelationID returns a random id tying together the log lines of one flow.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID attaches id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GetCorrelationID returns the id attached by WithCorrelationID, or "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationLogger adds the context's correlation_id to logger.
func CorrelationLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if id := GetCorrelationID(ctx); id != "" {
		return logger.With(zap.String("correlation_id", id))
	}
	return logger
}
