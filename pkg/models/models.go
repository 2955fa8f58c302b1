// Package models defines the persisted entities and their status enums.
package models

import "time"

// SessionStatus is not persisted; sessions have no lifecycle beyond creation.
// Plan and task statuses below are persisted and terminal states are final.

// PlanStatus represents the lifecycle state of a plan.
type PlanStatus string

// Plan status constants.
const (
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusDone      PlanStatus = "done"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s PlanStatus) Terminal() bool {
	return s == PlanStatusDone || s == PlanStatusFailed || s == PlanStatusCancelled
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskType identifies the kind of work a task performs.
type TaskType string

// Task type constants.
const (
	TaskTypeExec   TaskType = "exec"
	TaskTypeSkill  TaskType = "skill"
	TaskTypeMsg    TaskType = "msg"
	TaskTypeSearch TaskType = "search"
	TaskTypeReplan TaskType = "replan"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeExec, TaskTypeSkill, TaskTypeMsg, TaskTypeSearch, TaskTypeReplan:
		return true
	}
	return false
}

// NeedsExpect reports whether the task type requires a success criterion.
func (t TaskType) NeedsExpect() bool {
	switch t {
	case TaskTypeExec, TaskTypeSkill, TaskTypeSearch:
		return true
	}
	return false
}

// MessageRole is the conversational role of a stored message.
type MessageRole string

// Message role constants.
const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Session is one conversation namespace with its own workspace and worker.
type Session struct {
	ID          string
	Webhook     string
	Connector   string
	Description string
	Summary     string
	// SummarizedTo is the highest message id folded into Summary.
	SummarizedTo int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one inbound or outbound message within a session.
type Message struct {
	ID        int64
	Session   string
	User      string
	Role      MessageRole
	Content   string
	Trusted   bool
	Processed bool
	CreatedAt time.Time
}

// Plan is an ordered list of tasks produced by the planner for one message.
type Plan struct {
	ID           string
	Session      string
	MessageID    int64
	Goal         string
	Status       PlanStatus
	ParentID     string
	ExtendReplan int
	InputTokens  int
	OutputTokens int
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is one executable step of a plan. Index is 1-based and dense.
type Task struct {
	ID        int64
	PlanID    string
	Index     int
	Type      TaskType
	Detail    string
	Skill     string
	Args      string
	Expect    string
	Command   string
	Status    TaskStatus
	Output    string
	Stderr    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FactCategory scopes a fact's visibility.
type FactCategory string

// Fact category constants. User facts are visible only in their session.
const (
	FactCategoryProject FactCategory = "project"
	FactCategoryUser    FactCategory = "user"
	FactCategoryTool    FactCategory = "tool"
	FactCategoryGeneral FactCategory = "general"
)

// Valid reports whether c is a known fact category.
func (c FactCategory) Valid() bool {
	switch c {
	case FactCategoryProject, FactCategoryUser, FactCategoryTool, FactCategoryGeneral:
		return true
	}
	return false
}

// Fact is a durable piece of knowledge surfaced to the planner.
type Fact struct {
	ID         int64
	Content    string
	Category   FactCategory
	Confidence float64
	UseCount   int
	LastUsed   time.Time
	Session    string
	CreatedAt  time.Time
}

// LearningStatus is the curator disposition of a learning.
type LearningStatus string

// Learning status constants.
const (
	LearningStatusPending   LearningStatus = "pending"
	LearningStatusPromoted  LearningStatus = "promoted"
	LearningStatusAsked     LearningStatus = "asked"
	LearningStatusDiscarded LearningStatus = "discarded"
)

// Learning is reviewer-emitted knowledge awaiting curator evaluation.
type Learning struct {
	ID        int64
	Content   string
	Session   string
	Status    LearningStatus
	Reason    string
	CreatedAt time.Time
}

// PendingScope is the visibility scope of a pending item.
type PendingScope string

// Pending scope constants.
const (
	PendingScopeGlobal  PendingScope = "global"
	PendingScopeSession PendingScope = "session"
)

// PendingStatus is the lifecycle state of a pending item.
type PendingStatus string

// Pending status constants.
const (
	PendingStatusOpen     PendingStatus = "open"
	PendingStatusAnswered PendingStatus = "answered"
	PendingStatusDropped  PendingStatus = "dropped"
)

// PendingItem is an open question emitted by the curator "ask" verdict.
type PendingItem struct {
	ID        int64
	Scope     PendingScope
	Session   string
	Question  string
	Status    PendingStatus
	CreatedAt time.Time
}

// PublishedFile maps an unauthenticated URL token to a file under a
// session's pub/ directory.
type PublishedFile struct {
	ID        string
	Session   string
	Filename  string
	Path      string
	CreatedAt time.Time
}

// PlanOutput is one entry of the in-memory plan-outputs array chained into
// subsequent tasks of the same plan.
type PlanOutput struct {
	Index  int        `json:"index"`
	Type   TaskType   `json:"type"`
	Detail string     `json:"detail"`
	Output string     `json:"output"`
	Status TaskStatus `json:"status"`
}
