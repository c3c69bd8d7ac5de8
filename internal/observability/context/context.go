package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	runIDKey     ctxKey = "run_id"
	actorTypeKey ctxKey = "actor_type"
	actorIDKey   ctxKey = "actor_id"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return stringFromContext(ctx, requestIDKey)
}

// WithRunID tags the context with the sync run currently executing.
func WithRunID(ctx stdcontext.Context, runID string) stdcontext.Context {
	return withString(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx stdcontext.Context) string {
	return stringFromContext(ctx, runIDKey)
}

func WithActor(ctx stdcontext.Context, actorType, actorID string) stdcontext.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx stdcontext.Context) (string, string) {
	return stringFromContext(ctx, actorTypeKey), stringFromContext(ctx, actorIDKey)
}

func withString(ctx stdcontext.Context, key ctxKey, value string) stdcontext.Context {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func stringFromContext(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
