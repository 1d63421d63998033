package verification

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies a third-party verification performed during closing.
type Type string

const (
	TypeTitle      Type = "title"
	TypeInspection Type = "inspection"
	TypeAppraisal  Type = "appraisal"
	TypeLending    Type = "lending"
)

// AllTypes lists every supported verification type in dispatch order.
var AllTypes = []Type{TypeTitle, TypeInspection, TypeAppraisal, TypeLending}

// ParseType normalises and validates a verification type label.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypeTitle, TypeInspection, TypeAppraisal, TypeLending:
		return t, nil
	}
	return "", fmt.Errorf("unsupported verification type %q", raw)
}

// TaskState is the lifecycle state of a verification task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskApproved   TaskState = "approved"
	TaskRejected   TaskState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskApproved || s == TaskRejected
}

// Task is one verification of a transaction, owned by a single agent.
// Terminal on approved or rejected.
type Task struct {
	ID            string
	TransactionID string
	Type          Type
	State         TaskState
	AgentID       string
	Findings      map[string]string
	Documents     []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
