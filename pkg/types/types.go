package types

import (
	"github.com/google/uuid"
)

// ID is the 16-byte identifier used for every entity. The zero value
// (uuid.Nil) means "unassigned" on task references and acts as the
// distinguished system actor on commands.
type ID = uuid.UUID

// Nil is the all-zero ID.
var Nil = uuid.Nil

// NewID returns a random entity identifier.
func NewID() ID {
	return uuid.New()
}

// TaskStatus is the lifecycle state of a task. The numeric values are
// wire bytes and must not be reordered.
type TaskStatus uint8

const (
	TaskStaged    TaskStatus = 0
	TaskScheduled TaskStatus = 1
	TaskActive    TaskStatus = 2
	TaskCompleted TaskStatus = 3
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStaged:
		return "staged"
	case TaskScheduled:
		return "scheduled"
	case TaskActive:
		return "active"
	case TaskCompleted:
		return "completed"
	}
	return "unknown"
}

// HasSchedule reports whether the status requires scheduling fields.
func (s TaskStatus) HasSchedule() bool {
	return s == TaskScheduled || s == TaskActive
}

// TaskPriority orders the staging queue. Wire bytes, do not reorder.
type TaskPriority uint8

const (
	PriorityLow    TaskPriority = 0
	PriorityMedium TaskPriority = 1
	PriorityHigh   TaskPriority = 2
	PriorityUrgent TaskPriority = 3
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// Schedule places a task on the weekly grid. Start and Duration are
// multiples of 15; Start+Duration never exceeds 1440.
type Schedule struct {
	Day      uint8  `json:"day"`      // 0..6
	Start    uint16 `json:"start"`    // minutes since local midnight
	Duration uint16 `json:"duration"` // minutes, >= 15
}

// Task is the unit of work.
type Task struct {
	ID         ID           `json:"id"`
	CreatedBy  ID           `json:"created_by"`
	ServiceID  ID           `json:"service_id"`
	AssignedTo ID           `json:"assigned_to"` // Nil = unassigned
	Title      string       `json:"title"`
	Status     TaskStatus   `json:"status"`
	Priority   TaskPriority `json:"priority"`
	Schedule   *Schedule    `json:"schedule,omitempty"`
	Seq        uint64       `json:"seq"` // creation order, drives the staging queue
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Schedule != nil {
		s := *t.Schedule
		c.Schedule = &s
	}
	return &c
}

// User is a player identity. Users are created by seeding and never
// mutated by the core; the password verifier is opaque to it.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	PassSalt []byte `json:"pass_salt"`
	PassHash []byte `json:"pass_hash"`
}

// Service is the classification anchor every task references ("who
// pays for the time").
type Service struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}
