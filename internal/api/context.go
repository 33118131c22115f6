package api

import (
	"context"

	"github.com/lei/pipeline-core/pkg/logger"
)

// ctxKey is an unexported key type so request-scoped values set here
// cannot collide with values set by other packages.
type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyLogger
	ctxKeyAPIKeyName
)

// withRequestScope attaches the request-scoped logger and request ID.
func withRequestScope(ctx context.Context, log *logger.Logger, requestID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyLogger, log)
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestID returns the request ID, or "" outside a request scope.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// GetLogger returns the request-scoped logger, or nil outside a
// request scope. Callers must handle nil.
func GetLogger(ctx context.Context) *logger.Logger {
	log, _ := ctx.Value(ctxKeyLogger).(*logger.Logger)
	return log
}

// GetAPIKeyName returns the name of the API key that authenticated the
// request, or "" when authentication is disabled or pending.
func GetAPIKeyName(ctx context.Context) string {
	name, _ := ctx.Value(ctxKeyAPIKeyName).(string)
	return name
}
