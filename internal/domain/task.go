package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a delivery task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskDead      TaskStatus = "DEAD"
	TaskCanceled  TaskStatus = "CANCELED"
)

func (s TaskStatus) String() string { return string(s) }

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSucceeded, TaskFailed, TaskDead, TaskCanceled:
		return true
	}
	return false
}

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskDead, TaskCanceled:
		return true
	}
	return false
}

func ParseTaskStatusFromString(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid task status %q", ErrValidation, s)
	}
	return st, nil
}

// DeliveryTask is a unit of outbound delivery work. It is created when the
// facade enqueues a notification and owned by the task queue afterwards.
type DeliveryTask struct {
	ID             string
	CorrelationID  string
	Recipient      string
	Content        string
	Channel        Channel
	Status         TaskStatus
	RetryCount     int
	Requeued       bool
	NextEligibleAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (t *DeliveryTask) Validate() error {
	if strings.TrimSpace(t.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(t.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if !t.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, t.Channel)
	}
	return nil
}
