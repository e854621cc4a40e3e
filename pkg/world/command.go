package world

import (
	"github.com/cuemby/tempo/pkg/types"
)

// Command is a request to mutate the world. Commands arrive decoded
// from the wire and are validated entirely inside Apply.
type Command interface {
	isCommand()
}

// CreateTask creates a new task. When Schedule is non-nil the task is
// born Scheduled, otherwise Staged.
type CreateTask struct {
	Priority   types.TaskPriority
	ServiceID  types.ID
	AssignedTo types.ID // Nil = unassigned
	Title      string
	Schedule   *types.Schedule
}

// ScheduleTask places a Staged task on the grid.
type ScheduleTask struct {
	TaskID   types.ID
	Day      uint8
	Start    uint16
	Duration uint16
}

// MoveTask changes the grid placement of a Scheduled or Active task.
type MoveTask struct {
	TaskID   types.ID
	Day      uint8
	Start    uint16
	Duration uint16
}

// UnscheduleTask returns a Scheduled or Active task to the staging
// queue and clears its placement.
type UnscheduleTask struct {
	TaskID types.ID
}

// CompleteTask marks a Scheduled or Active task done.
type CompleteTask struct {
	TaskID types.ID
}

// DeleteTask removes a task permanently.
type DeleteTask struct {
	TaskID types.ID
}

func (CreateTask) isCommand()     {}
func (ScheduleTask) isCommand()   {}
func (MoveTask) isCommand()       {}
func (UnscheduleTask) isCommand() {}
func (CompleteTask) isCommand()   {}
func (DeleteTask) isCommand()     {}
