package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type ctxKey struct{}

// HeaderName 是 trace ID 在 HTTP header 和 MQ header 中的名称
const HeaderName = "X-Trace-ID"

// GenerateTraceID 生成一个新的 trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext 从 context 中获取 trace_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithContext 将 trace_id 添加到 context 中
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure 返回 ctx 中已有的 trace_id，没有则生成一个新的
func Ensure(ctx context.Context, candidate string) (context.Context, string) {
	if candidate == "" {
		candidate = FromContext(ctx)
	}
	if candidate == "" {
		candidate = GenerateTraceID()
	}
	return WithContext(ctx, candidate), candidate
}
