package mq

import (
	"encoding/json"
	"errors"
	"fmt"

	"taskviews/internal/model"
)

// Routing keys of the change streams on the events exchange.
const (
	RoutingKeyTasksChanged = "tasks.changed"
	RoutingKeyUsersChanged = "users.changed"
)

// Stream names carried in batch envelopes and used for checkpoints.
const (
	StreamTasks = "tasks"
	StreamUsers = "users"
)

// TaskChangeBatch is one message on tasks.changed. Sequence grows
// monotonically per (stream, partition).
type TaskChangeBatch struct {
	Stream    string               `json:"stream"`
	Partition int                  `json:"partition"`
	Sequence  uint64               `json:"sequence"`
	TraceID   string               `json:"trace_id,omitempty"`
	Items     []model.TaskMutation `json:"items"`
}

// UserChangeBatch is one message on users.changed.
type UserChangeBatch struct {
	Stream    string               `json:"stream"`
	Partition int                  `json:"partition"`
	Sequence  uint64               `json:"sequence"`
	TraceID   string               `json:"trace_id,omitempty"`
	Items     []model.UserMutation `json:"items"`
}

var errEmptyBatch = errors.New("batch has no items")

// DecodeTaskChangeBatch parses and sanity-checks the envelope. Items are
// validated individually by the consumer.
func DecodeTaskChangeBatch(data []byte) (TaskChangeBatch, error) {
	var b TaskChangeBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("decode task change batch: %w", err)
	}
	if b.Stream == "" {
		b.Stream = StreamTasks
	}
	if b.Stream != StreamTasks {
		return b, fmt.Errorf("decode task change batch: unexpected stream %q", b.Stream)
	}
	if len(b.Items) == 0 {
		return b, fmt.Errorf("decode task change batch: %w", errEmptyBatch)
	}
	return b, nil
}

func DecodeUserChangeBatch(data []byte) (UserChangeBatch, error) {
	var b UserChangeBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("decode user change batch: %w", err)
	}
	if b.Stream == "" {
		b.Stream = StreamUsers
	}
	if b.Stream != StreamUsers {
		return b, fmt.Errorf("decode user change batch: unexpected stream %q", b.Stream)
	}
	if len(b.Items) == 0 {
		return b, fmt.Errorf("decode user change batch: %w", errEmptyBatch)
	}
	return b, nil
}
