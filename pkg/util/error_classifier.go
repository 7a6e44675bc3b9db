package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"taskviews/internal/model"
	"taskviews/pkg/circuitbreaker"
)

// IsRetryableError determines if an error is retryable
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// 数据格式错误 - 不可重试
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "decode_error"
	}
	if errors.Is(err, model.ErrInvalidMutation) {
		return false, "invalid_mutation"
	}

	// Context
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// 熔断打开时稍后重试
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return true, "circuit_open"
	}

	// Postgres errors 按 SQLSTATE 分类
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return true, "db_conflict"
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), strings.HasPrefix(pgErr.Code, "53"):
			return true, "db_unavailable"
		case strings.HasPrefix(pgErr.Code, "23"):
			return false, "db_constraint"
		case strings.HasPrefix(pgErr.Code, "42"):
			return false, "db_schema"
		}
		return false, "db_error"
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true, "db_connection_error"
	}

	// Network errors - 可重试
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	// 默认：未知错误按可重试处理，由重试次数上限兜底
	return true, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
