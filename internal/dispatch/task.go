package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a task is moved out of order.
var ErrInvalidTransition = errors.New("invalid task transition")

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// Task is one dispatch request and its lifecycle.
type Task struct {
	ID          string     `json:"task_id"`
	Type        string     `json:"task_type"`
	Description string     `json:"task_description"`
	Agents      []string   `json:"agents"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a random id.
func NewTask(taskType, description string, now time.Time) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

// Transition moves the task to next. Terminal states are entered once and
// stamp CompletedAt.
func (t *Task) Transition(next Status, now time.Time) error {
	for _, s := range allowedTransitions[t.Status] {
		if s == next {
			t.Status = next
			if next.Terminal() {
				at := now
				t.CompletedAt = &at
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
}
