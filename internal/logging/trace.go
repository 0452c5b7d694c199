package logging

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type ctxKey struct{}

// NewRequestID returns a fresh, time-ordered request id.
func NewRequestID() string {
	return ulid.Make().String()
}

// WithRequestID tags ctx with id, minting one when id is empty. Every
// logger resolved through For(ctx) then carries it.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewRequestID()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// GetRequestID returns the id set by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// For returns l tagged with the request ID carried by ctx.
func (l *Logger) For(ctx context.Context) *Logger {
	id := GetRequestID(ctx)
	if id == "" || id == l.requestID {
		return l
	}
	c := *l
	c.requestID = id
	return &c
}
