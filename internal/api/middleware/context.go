package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	keyPrefixKey   contextKey = "key_prefix"
	webhookBodyKey contextKey = "webhook_body"
)

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// WithKeyPrefix sets the rate-limit key for the request, as AdminAuth does.
func WithKeyPrefix(ctx context.Context, prefix string) context.Context {
	return setKeyPrefix(ctx, prefix)
}

func setWebhookBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, webhookBodyKey, body)
}

// WebhookBody returns the raw body verified by LINESignature.
func WebhookBody(r *http.Request) ([]byte, bool) {
	body, ok := r.Context().Value(webhookBodyKey).([]byte)
	return body, ok
}
