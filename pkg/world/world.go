package world

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/tempo/pkg/types"
)

// Validation errors returned by Apply. A failed Apply never mutates
// the world, increments the revision, or appends to the log.
var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownUser    = errors.New("unknown user")
	ErrBadSchedule    = errors.New("invalid schedule")
	ErrBadTransition  = errors.New("illegal state transition")
)

// gridEnd is the number of minutes in a day; a placement must end at
// or before it.
const gridEnd = 1440

// World is the authoritative in-memory state: entity tables, the
// monotonic revision counter and the replay log. It is pure and
// synchronous; the caller provides exclusive access for writes and the
// id generator supplies all randomness.
type World struct {
	Tasks    map[types.ID]*types.Task
	Users    map[types.ID]*types.User
	Services map[types.ID]*types.Service

	Revision uint64

	log     []LogEntry
	logCap  int // 0 = unbounded
	trimmed uint64
	nextSeq uint64
	newID   func() types.ID
}

// New returns an empty world at revision 0.
func New() *World {
	return &World{
		Tasks:    make(map[types.ID]*types.Task),
		Users:    make(map[types.ID]*types.User),
		Services: make(map[types.ID]*types.Service),
		newID:    types.NewID,
	}
}

// SetIDGenerator overrides the task id source. Used by tests that
// need deterministic ids.
func (w *World) SetIDGenerator(gen func() types.ID) {
	w.newID = gen
}

// SetLogCap bounds the replay log to the most recent n entries.
// A caller that has fallen behind the trimmed prefix gets the
// snapshot-required sentinel from EventsSince.
func (w *World) SetLogCap(n int) {
	w.logCap = n
	w.trim()
}

// AddUser registers a user. Called while loading the save and by the
// seeding collaborator; the core never mutates users afterwards.
func (w *World) AddUser(u *types.User) {
	w.Users[u.ID] = u
}

// AddService registers a service.
func (w *World) AddService(s *types.Service) {
	w.Services[s.ID] = s
}

// AddTask installs a task loaded from the save, keeping the creation
// counter ahead of every known task.
func (w *World) AddTask(t *types.Task) {
	w.Tasks[t.ID] = t
	if t.Seq >= w.nextSeq {
		w.nextSeq = t.Seq + 1
	}
}

// FindUserByUsername resolves a username, case-sensitively. This is
// the lookup contract the authentication collaborator consumes.
func (w *World) FindUserByUsername(name string) (*types.User, bool) {
	for _, u := range w.Users {
		if u.Username == name {
			return u, true
		}
	}
	return nil, false
}

// Apply validates cmd against current state, mutates, appends to the
// log and returns the resulting event. Validation order: existence,
// schedule validity, transition legality. First violation wins.
func (w *World) Apply(cmd Command, actor types.ID) (Event, error) {
	// The all-zero actor is the system identity and passes the
	// existence check.
	if actor != types.Nil {
		if _, ok := w.Users[actor]; !ok {
			return nil, fmt.Errorf("%w: actor %s", ErrUnknownUser, actor)
		}
	}

	switch c := cmd.(type) {
	case CreateTask:
		return w.applyCreate(c, actor)
	case ScheduleTask:
		return w.applyPlacement(c.TaskID, c.Day, c.Start, c.Duration, false)
	case MoveTask:
		return w.applyPlacement(c.TaskID, c.Day, c.Start, c.Duration, true)
	case UnscheduleTask:
		return w.applyUnschedule(c)
	case CompleteTask:
		return w.applyComplete(c)
	case DeleteTask:
		return w.applyDelete(c)
	}
	return nil, fmt.Errorf("unhandled command %T", cmd)
}

func (w *World) applyCreate(c CreateTask, actor types.ID) (Event, error) {
	if _, ok := w.Services[c.ServiceID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, c.ServiceID)
	}
	if c.AssignedTo != types.Nil {
		if _, ok := w.Users[c.AssignedTo]; !ok {
			return nil, fmt.Errorf("%w: assignee %s", ErrUnknownUser, c.AssignedTo)
		}
	}
	if c.Schedule != nil {
		if err := checkSchedule(c.Schedule.Day, c.Schedule.Start, c.Schedule.Duration); err != nil {
			return nil, err
		}
	}

	t := &types.Task{
		ID:         w.newID(),
		CreatedBy:  actor,
		ServiceID:  c.ServiceID,
		AssignedTo: c.AssignedTo,
		Title:      c.Title,
		Priority:   c.Priority,
		Status:     types.TaskStaged,
		Seq:        w.nextSeq,
	}
	if c.Schedule != nil {
		s := *c.Schedule
		t.Schedule = &s
		t.Status = types.TaskScheduled
	}
	w.nextSeq++
	w.Tasks[t.ID] = t

	return w.commit(TaskCreated{Task: *t.Clone()}), nil
}

// applyPlacement covers ScheduleTask (move=false, Staged source only)
// and MoveTask (move=true, Scheduled or Active source).
func (w *World) applyPlacement(id types.ID, day uint8, start, dur uint16, move bool) (Event, error) {
	t, ok := w.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if err := checkSchedule(day, start, dur); err != nil {
		return nil, err
	}
	if move {
		if !t.Status.HasSchedule() {
			return nil, fmt.Errorf("%w: move of %s task", ErrBadTransition, t.Status)
		}
	} else {
		if t.Status != types.TaskStaged {
			return nil, fmt.Errorf("%w: schedule of %s task", ErrBadTransition, t.Status)
		}
	}

	t.Schedule = &types.Schedule{Day: day, Start: start, Duration: dur}
	if !move {
		t.Status = types.TaskScheduled
	}

	if move {
		return w.commit(TaskMoved{TaskID: id, Day: day, Start: start, Duration: dur}), nil
	}
	return w.commit(TaskScheduled{TaskID: id, Day: day, Start: start, Duration: dur}), nil
}

func (w *World) applyUnschedule(c UnscheduleTask) (Event, error) {
	t, ok := w.Tasks[c.TaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, c.TaskID)
	}
	if !t.Status.HasSchedule() {
		return nil, fmt.Errorf("%w: unschedule of %s task", ErrBadTransition, t.Status)
	}
	t.Status = types.TaskStaged
	t.Schedule = nil
	return w.commit(TaskUnscheduled{TaskID: c.TaskID}), nil
}

func (w *World) applyComplete(c CompleteTask) (Event, error) {
	t, ok := w.Tasks[c.TaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, c.TaskID)
	}
	if !t.Status.HasSchedule() {
		return nil, fmt.Errorf("%w: complete of %s task", ErrBadTransition, t.Status)
	}
	t.Status = types.TaskCompleted
	t.Schedule = nil
	return w.commit(TaskCompleted{TaskID: c.TaskID}), nil
}

func (w *World) applyDelete(c DeleteTask) (Event, error) {
	if _, ok := w.Tasks[c.TaskID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, c.TaskID)
	}
	delete(w.Tasks, c.TaskID)
	return w.commit(TaskDeleted{TaskID: c.TaskID}), nil
}

// commit increments the revision and appends the event to the log.
// Only reached after validation succeeded.
func (w *World) commit(ev Event) Event {
	w.Revision++
	w.log = append(w.log, LogEntry{Revision: w.Revision, Event: ev})
	w.trim()
	return ev
}

func (w *World) trim() {
	if w.logCap <= 0 || len(w.log) <= w.logCap {
		return
	}
	drop := len(w.log) - w.logCap
	w.trimmed = w.log[drop-1].Revision
	w.log = append([]LogEntry(nil), w.log[drop:]...)
}

// checkSchedule enforces the grid rules: day 0..6, start and duration
// multiples of 15, duration at least one slot, end at or before
// midnight.
func checkSchedule(day uint8, start, dur uint16) error {
	if day > 6 {
		return fmt.Errorf("%w: day %d", ErrBadSchedule, day)
	}
	if start%15 != 0 || dur%15 != 0 {
		return fmt.Errorf("%w: start=%d dur=%d not on 15-minute grid", ErrBadSchedule, start, dur)
	}
	if dur < 15 {
		return fmt.Errorf("%w: duration %d below minimum slot", ErrBadSchedule, dur)
	}
	if int(start)+int(dur) > gridEnd {
		return fmt.Errorf("%w: start=%d dur=%d runs past midnight", ErrBadSchedule, start, dur)
	}
	return nil
}

// StagedQueue returns the staged tasks ordered by priority (highest
// first) then creation order. Recomputed from the task table on every
// call; nothing is persisted for it.
func (w *World) StagedQueue() []*types.Task {
	var staged []*types.Task
	for _, t := range w.Tasks {
		if t.Status == types.TaskStaged {
			staged = append(staged, t)
		}
	}
	sort.Slice(staged, func(i, j int) bool {
		if staged[i].Priority != staged[j].Priority {
			return staged[i].Priority > staged[j].Priority
		}
		return staged[i].Seq < staged[j].Seq
	})
	return staged
}

// EventsSince returns the log suffix with revision > rev. The second
// return is false when rev predates the trimmed prefix and the caller
// must resynchronize from a snapshot instead.
func (w *World) EventsSince(rev uint64) ([]LogEntry, bool) {
	if rev < w.trimmed {
		return nil, false
	}
	i := sort.Search(len(w.log), func(i int) bool {
		return w.log[i].Revision > rev
	})
	return w.log[i:], true
}

// LogLen returns the number of retained log entries.
func (w *World) LogLen() int {
	return len(w.log)
}
