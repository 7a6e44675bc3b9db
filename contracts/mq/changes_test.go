package mq

import (
	"errors"
	"testing"

	"taskviews/internal/model"
)

func TestDecodeTaskChangeBatch(t *testing.T) {
	body := []byte(`{
		"stream": "tasks",
		"partition": 2,
		"sequence": 17,
		"items": [{
			"kind": "upserted",
			"after": {"id": "t1", "title": "Write report", "status": "Todo", "priority": "High",
			          "assignedToUserId": "u1", "createdByUserId": "u2",
			          "createdAt": "2026-10-01T10:00:00Z", "updatedAt": "2026-10-01T10:00:00Z"},
			"occurredAt": "2026-10-01T10:00:01Z"
		}]
	}`)

	b, err := DecodeTaskChangeBatch(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.Partition != 2 || b.Sequence != 17 || len(b.Items) != 1 {
		t.Fatalf("envelope = %+v", b)
	}
	item := b.Items[0]
	if item.Kind != model.MutationUpserted || item.TaskID() != "t1" {
		t.Fatalf("item = %+v", item)
	}
	if item.After.Status != model.TaskStatusTodo || item.After.AssignedToUserID != "u1" {
		t.Fatalf("after = %+v", item.After)
	}
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"wrong stream", `{"stream":"users","items":[{"kind":"deleted"}]}`},
		{"no items", `{"stream":"tasks","items":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTaskChangeBatch([]byte(tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := DecodeUserChangeBatch([]byte(`{"items":[]}`))
	if !errors.Is(err, errEmptyBatch) {
		t.Fatalf("err = %v, want empty batch", err)
	}
}
