// Package wire implements the binary protocol shared with the
// renderer. There is no human-readable encoding on the data path:
// every multi-byte integer is little-endian, records have fixed
// strides and explicit padding so the client can decode by offset
// from a byte view.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/cuemby/tempo/pkg/types"
	"github.com/cuemby/tempo/pkg/world"
)

// Record strides.
const (
	TaskRecordSize    = 192
	ServiceRecordSize = 80

	// TitleSize is the on-wire title field; longer titles are
	// silently truncated at the byte boundary.
	TitleSize = 128

	// NameSize is the on-wire service display name field.
	NameSize = 64

	// DayNone marks an unscheduled task in the day byte.
	DayNone = 0xFF

	// frameHeaderSize is [type:u8][revision:u64 LE].
	frameHeaderSize = 9
)

// Server→client frame types.
const (
	FrameSnapshot        = 0x01
	FrameTaskCreated     = 0x02
	FrameTaskScheduled   = 0x03
	FrameTaskMoved       = 0x04
	FrameTaskUnscheduled = 0x05
	FrameTaskCompleted   = 0x06
	FrameTaskDeleted     = 0x07
)

// Client→server frame types.
const (
	CmdCreateTask     = 0x10
	CmdScheduleTask   = 0x11
	CmdMoveTask       = 0x12
	CmdUnscheduleTask = 0x13
	CmdCompleteTask   = 0x14
	CmdDeleteTask     = 0x15
)

// Decode errors. The decoder returns tagged errors, never panics.
var (
	ErrShortFrame       = errors.New("frame shorter than minimum for type")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrBadText          = errors.New("title is not valid UTF-8")
)

// appendTaskRecord packs one 192-byte task record.
//
//	off  size field
//	  0    16 task id
//	 16     1 status
//	 17     1 priority
//	 18     1 day (0xFF = not scheduled)
//	 19     1 pad
//	 20     2 start_time u16 LE
//	 22     2 duration u16 LE
//	 24    16 service id
//	 40    16 assigned_to (zero = unassigned)
//	 56   128 title, UTF-8, zero-padded
//	184     8 reserved
func appendTaskRecord(buf []byte, t *types.Task) []byte {
	var rec [TaskRecordSize]byte
	copy(rec[0:16], t.ID[:])
	rec[16] = byte(t.Status)
	rec[17] = byte(t.Priority)
	if t.Schedule != nil {
		rec[18] = t.Schedule.Day
		binary.LittleEndian.PutUint16(rec[20:22], t.Schedule.Start)
		binary.LittleEndian.PutUint16(rec[22:24], t.Schedule.Duration)
	} else {
		rec[18] = DayNone
	}
	copy(rec[24:40], t.ServiceID[:])
	copy(rec[40:56], t.AssignedTo[:])
	title := t.Title
	if len(title) > TitleSize {
		title = title[:TitleSize]
	}
	copy(rec[56:56+TitleSize], title)
	return append(buf, rec[:]...)
}

func appendServiceRecord(buf []byte, s *types.Service) []byte {
	var rec [ServiceRecordSize]byte
	copy(rec[0:16], s.ID[:])
	name := s.Name
	if len(name) > NameSize {
		name = name[:NameSize]
	}
	copy(rec[16:16+NameSize], name)
	return append(buf, rec[:]...)
}

func appendHeader(buf []byte, frameType byte, revision uint64) []byte {
	buf = append(buf, frameType)
	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], revision)
	return append(buf, rev[:]...)
}

// PackSnapshot packs the full task and service tables at the given
// revision. Output is deterministic: tables are ordered by id bytes,
// so packing equivalent state twice yields identical buffers.
func PackSnapshot(tasks map[types.ID]*types.Task, services map[types.ID]*types.Service, revision uint64) []byte {
	ts := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool {
		return bytes.Compare(ts[i].ID[:], ts[j].ID[:]) < 0
	})
	ss := make([]*types.Service, 0, len(services))
	for _, s := range services {
		ss = append(ss, s)
	}
	sort.Slice(ss, func(i, j int) bool {
		return bytes.Compare(ss[i].ID[:], ss[j].ID[:]) < 0
	})

	size := frameHeaderSize + 8 + len(ts)*TaskRecordSize + len(ss)*ServiceRecordSize
	buf := make([]byte, 0, size)
	buf = appendHeader(buf, FrameSnapshot, revision)
	var counts [8]byte
	binary.LittleEndian.PutUint32(counts[0:4], uint32(len(ts)))
	binary.LittleEndian.PutUint32(counts[4:8], uint32(len(ss)))
	buf = append(buf, counts[:]...)
	for _, t := range ts {
		buf = appendTaskRecord(buf, t)
	}
	for _, s := range ss {
		buf = appendServiceRecord(buf, s)
	}
	return buf
}

// PackEvent packs one event frame at the revision it produced.
func PackEvent(ev world.Event, revision uint64) []byte {
	switch e := ev.(type) {
	case world.TaskCreated:
		buf := make([]byte, 0, frameHeaderSize+TaskRecordSize)
		buf = appendHeader(buf, FrameTaskCreated, revision)
		return appendTaskRecord(buf, &e.Task)
	case world.TaskScheduled:
		return packPlacement(FrameTaskScheduled, revision, e.TaskID, e.Day, e.Start, e.Duration)
	case world.TaskMoved:
		return packPlacement(FrameTaskMoved, revision, e.TaskID, e.Day, e.Start, e.Duration)
	case world.TaskUnscheduled:
		return packTaskID(FrameTaskUnscheduled, revision, e.TaskID)
	case world.TaskCompleted:
		return packTaskID(FrameTaskCompleted, revision, e.TaskID)
	case world.TaskDeleted:
		return packTaskID(FrameTaskDeleted, revision, e.TaskID)
	}
	panic(fmt.Sprintf("wire: unhandled event %T", ev))
}

func packPlacement(frameType byte, revision uint64, id types.ID, day uint8, start, dur uint16) []byte {
	buf := make([]byte, 0, frameHeaderSize+21)
	buf = appendHeader(buf, frameType, revision)
	buf = append(buf, id[:]...)
	buf = append(buf, day)
	var u [2]byte
	binary.LittleEndian.PutUint16(u[:], start)
	buf = append(buf, u[:]...)
	binary.LittleEndian.PutUint16(u[:], dur)
	buf = append(buf, u[:]...)
	return buf
}

func packTaskID(frameType byte, revision uint64, id types.ID) []byte {
	buf := make([]byte, 0, frameHeaderSize+16)
	buf = appendHeader(buf, frameType, revision)
	return append(buf, id[:]...)
}

// Minimum client frame lengths, including the type byte.
const (
	minCreateTask = 40 // type + priority + service + assignee + day + pad + start + dur
	minPlacement  = 22 // type + task id + day + start + dur
	minTaskID     = 17 // type + task id
)

// DecodeCommand parses one client frame into a command. It validates
// structural bounds and text encoding only; scheduling ranges and
// state transitions are the world's concern.
func DecodeCommand(data []byte) (world.Command, error) {
	if len(data) < 1 {
		return nil, ErrShortFrame
	}
	switch data[0] {
	case CmdCreateTask:
		return decodeCreateTask(data)
	case CmdScheduleTask, CmdMoveTask:
		if len(data) < minPlacement {
			return nil, fmt.Errorf("%w: 0x%02x len=%d", ErrShortFrame, data[0], len(data))
		}
		var id types.ID
		copy(id[:], data[1:17])
		day := data[17]
		start := binary.LittleEndian.Uint16(data[18:20])
		dur := binary.LittleEndian.Uint16(data[20:22])
		if data[0] == CmdScheduleTask {
			return world.ScheduleTask{TaskID: id, Day: day, Start: start, Duration: dur}, nil
		}
		return world.MoveTask{TaskID: id, Day: day, Start: start, Duration: dur}, nil
	case CmdUnscheduleTask, CmdCompleteTask, CmdDeleteTask:
		if len(data) < minTaskID {
			return nil, fmt.Errorf("%w: 0x%02x len=%d", ErrShortFrame, data[0], len(data))
		}
		var id types.ID
		copy(id[:], data[1:17])
		switch data[0] {
		case CmdUnscheduleTask:
			return world.UnscheduleTask{TaskID: id}, nil
		case CmdCompleteTask:
			return world.CompleteTask{TaskID: id}, nil
		default:
			return world.DeleteTask{TaskID: id}, nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, data[0])
}

// decodeCreateTask parses a 0x10 frame:
//
//	[0x10][priority:u8][service_id:16][assigned_to:16][day:u8][pad:u8][start:u16][dur:u16][title tail]
//
// A day byte of 0xFF means "no scheduling"; start/dur are then
// ignored. The title tail may be any length >= 0 but must be valid
// UTF-8.
func decodeCreateTask(data []byte) (world.Command, error) {
	if len(data) < minCreateTask {
		return nil, fmt.Errorf("%w: 0x10 len=%d", ErrShortFrame, len(data))
	}
	cmd := world.CreateTask{
		Priority: types.TaskPriority(data[1]),
	}
	copy(cmd.ServiceID[:], data[2:18])
	copy(cmd.AssignedTo[:], data[18:34])
	day := data[34]
	start := binary.LittleEndian.Uint16(data[36:38])
	dur := binary.LittleEndian.Uint16(data[38:40])
	if day != DayNone {
		cmd.Schedule = &types.Schedule{Day: day, Start: start, Duration: dur}
	}
	title := data[minCreateTask:]
	if !utf8.Valid(title) {
		return nil, ErrBadText
	}
	cmd.Title = string(title)
	return cmd, nil
}

// DecodeTask unpacks one 192-byte task record. It is the inverse of
// the record packer for titles within the wire limit and is used for
// round-trip verification and by tooling.
func DecodeTask(rec []byte) (*types.Task, error) {
	if len(rec) < TaskRecordSize {
		return nil, ErrShortFrame
	}
	t := &types.Task{
		Status:   types.TaskStatus(rec[16]),
		Priority: types.TaskPriority(rec[17]),
	}
	copy(t.ID[:], rec[0:16])
	copy(t.ServiceID[:], rec[24:40])
	copy(t.AssignedTo[:], rec[40:56])
	if rec[18] != DayNone {
		t.Schedule = &types.Schedule{
			Day:      rec[18],
			Start:    binary.LittleEndian.Uint16(rec[20:22]),
			Duration: binary.LittleEndian.Uint16(rec[22:24]),
		}
	}
	title := rec[56 : 56+TitleSize]
	if i := bytes.IndexByte(title, 0); i >= 0 {
		title = title[:i]
	}
	if !utf8.Valid(title) {
		return nil, ErrBadText
	}
	t.Title = string(title)
	return t, nil
}
