package taskflow

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
// Valid values: pending, in_progress, completed, cancelled.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Priority represents how urgent a task is.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// SyncState marks whether a record has been confirmed by the server.
// Records decoded from the server carry no state and count as confirmed.
type SyncState string

const (
	StateConfirmed   SyncState = "confirmed"
	StateProvisional SyncState = "provisional"
)

// ProvisionalPrefix starts the id of every task synthesized while offline.
const ProvisionalPrefix = "local-"

// UserRef is the denormalized creator/assignee info sent along with a task.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Task is the client-side representation of a task.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedBy   string     `json:"created_by"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Creator     *UserRef   `json:"creator,omitempty"`
	Assignee    *UserRef   `json:"assignee,omitempty"`
	State       SyncState  `json:"sync_state,omitempty"`
}

// IsProvisional reports whether the task was synthesized locally and is
// still waiting for its create mutation to be replayed.
func (t Task) IsProvisional() bool {
	return t.State == StateProvisional || strings.HasPrefix(t.ID, ProvisionalPrefix)
}

// IsOverdue reports whether the task is past due and still open.
func (t Task) IsOverdue(now time.Time) bool {
	if t.DueDate == nil {
		return false
	}
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		return false
	}
	return t.DueDate.Before(now)
}

// CreateTaskInput is the payload of a create request.
type CreateTaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Validate checks the fields the server would otherwise reject. An empty
// priority is defaulted to medium.
func (in *CreateTaskInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return &ValidationError{Field: "priority"}
	}
	return nil
}

// UpdateTaskInput is a partial update; nil fields are left unchanged.
type UpdateTaskInput struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

func (in UpdateTaskInput) Validate() error {
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return &ValidationError{Field: "priority"}
	}
	if in.Status != nil && !in.Status.Valid() {
		return &ValidationError{Field: "status"}
	}
	return nil
}

// apply merges the set fields of in into t and returns the result.
func (in UpdateTaskInput) apply(t Task) Task {
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.Status != nil {
		t.Status = *in.Status
	}
	if in.DueDate != nil {
		due := *in.DueDate
		t.DueDate = &due
	}
	return t
}

// ListFilter selects a page of tasks.
type ListFilter struct {
	Status   *Status
	Priority *Priority
	Page     int
	PageSize int
	Sort     []SortField
}

// ListResult is one page of tasks. FromCache is set when the page was
// served from the local cache instead of the server.
type ListResult struct {
	Tasks     []Task `json:"tasks"`
	Total     int64  `json:"total"`
	Page      int    `json:"page"`
	PageSize  int    `json:"page_size"`
	FromCache bool   `json:"-"`
}

// MutationKind is the operation recorded by an offline mutation.
type MutationKind string

const (
	MutationCreate       MutationKind = "create"
	MutationUpdate       MutationKind = "update"
	MutationDelete       MutationKind = "delete"
	MutationUpdateStatus MutationKind = "updateStatus"
)

// Mutation is an entry of the durable offline queue.
type Mutation struct {
	ID         string          `json:"id"`
	Kind       MutationKind    `json:"type"`
	TaskID     string          `json:"task_id,omitempty"` // empty only for create
	Payload    json.RawMessage `json:"data,omitempty"`
	EnqueuedAt time.Time       `json:"timestamp"`
}

type statusPayload struct {
	Status Status `json:"status"`
}

// createPayload is what a queued create carries: the caller's input plus
// the provisional id it was shown under.
type createPayload struct {
	CreateTaskInput
	ProvisionalID string `json:"provisional_id"`
}

// EventType is the kind of change announced by a live event.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventAssigned EventType = "assigned"
)

// TaskEvent is a server-pushed notification of a task change.
type TaskEvent struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Task   *Task     `json:"task,omitempty"`
	UserID string    `json:"user_id"`
}
