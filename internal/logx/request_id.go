package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// RequestIDHeader carries the caller's request id into and out of the API.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// NewRequestID keeps a caller-supplied id only when it is a well-formed
// UUIDv4; anything else is replaced so clients cannot inject arbitrary text
// into every log line of their request.
func NewRequestID(supplied string) string {
	if parsed, err := uuid.Parse(supplied); err == nil && parsed.Version() == 4 {
		return supplied
	}
	return uuid.NewString()
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns the default logger bound to the request id, for lines
// emitted below the HTTP layer on behalf of a single call.
func FromContext(ctx context.Context) *slog.Logger {
	if id := RequestID(ctx); id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}
