package model

import (
	"fmt"
	"time"
)

type MutationKind string

const (
	MutationUpserted MutationKind = "upserted"
	MutationDeleted  MutationKind = "deleted"
)

// TaskMutation 一次任务变更的前后快照
// upserted 必须带 After，deleted 必须带 Before
type TaskMutation struct {
	Kind       MutationKind `json:"kind"`
	Before     *Task        `json:"before,omitempty"`
	After      *Task        `json:"after,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
}

func (m TaskMutation) Validate() error {
	switch m.Kind {
	case MutationUpserted:
		if m.After == nil {
			return fmt.Errorf("%w: task upsert without after snapshot", ErrInvalidMutation)
		}
		return m.After.Validate()
	case MutationDeleted:
		if m.Before == nil {
			return fmt.Errorf("%w: task deletion without before snapshot", ErrInvalidMutation)
		}
		return m.Before.Validate()
	default:
		return fmt.Errorf("%w: unknown task mutation kind %q", ErrInvalidMutation, m.Kind)
	}
}

func (m TaskMutation) TaskID() string {
	if m.After != nil {
		return m.After.ID
	}
	if m.Before != nil {
		return m.Before.ID
	}
	return ""
}

type UserMutation struct {
	Kind       MutationKind `json:"kind"`
	Before     *User        `json:"before,omitempty"`
	After      *User        `json:"after,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
}

func (m UserMutation) Validate() error {
	switch m.Kind {
	case MutationUpserted:
		if m.After == nil {
			return fmt.Errorf("%w: user upsert without after snapshot", ErrInvalidMutation)
		}
		return m.After.Validate()
	case MutationDeleted:
		if m.Before == nil {
			return fmt.Errorf("%w: user deletion without before snapshot", ErrInvalidMutation)
		}
		return m.Before.Validate()
	default:
		return fmt.Errorf("%w: unknown user mutation kind %q", ErrInvalidMutation, m.Kind)
	}
}

func (m UserMutation) UserID() string {
	if m.After != nil {
		return m.After.ID
	}
	if m.Before != nil {
		return m.Before.ID
	}
	return ""
}
