package gateway

import "context"

type ctxKey string

const (
	clientIDKey  ctxKey = "clientID"
	requestIDKey ctxKey = "requestID"
)

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// clientIDFromContext returns the websocket client that sent the request,
// or "" for HTTP requests.
func clientIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

func withRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(requestIDKey).(string); ok {
		return value
	}
	return ""
}
