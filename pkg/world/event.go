package world

import (
	"github.com/cuemby/tempo/pkg/types"
)

// Event describes the effect of one successful command application.
// Events are immutable once produced; the revision they belong to is
// carried alongside in the log entry and on the wire frame.
type Event interface {
	isEvent()
}

// TaskCreated carries a copy of the task as it was created.
type TaskCreated struct {
	Task types.Task
}

type TaskScheduled struct {
	TaskID   types.ID
	Day      uint8
	Start    uint16
	Duration uint16
}

type TaskMoved struct {
	TaskID   types.ID
	Day      uint8
	Start    uint16
	Duration uint16
}

type TaskUnscheduled struct {
	TaskID types.ID
}

type TaskCompleted struct {
	TaskID types.ID
}

type TaskDeleted struct {
	TaskID types.ID
}

func (TaskCreated) isEvent()     {}
func (TaskScheduled) isEvent()   {}
func (TaskMoved) isEvent()       {}
func (TaskUnscheduled) isEvent() {}
func (TaskCompleted) isEvent()   {}
func (TaskDeleted) isEvent()     {}

// LogEntry pairs an event with the revision it produced.
type LogEntry struct {
	Revision uint64
	Event    Event
}
