package session

import (
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tempo/pkg/auth"
	"github.com/cuemby/tempo/pkg/broadcast"
	"github.com/cuemby/tempo/pkg/storage"
	"github.com/cuemby/tempo/pkg/types"
	"github.com/cuemby/tempo/pkg/wire"
)

type fixture struct {
	srv  *Server
	save *storage.SaveFile
	bus  *broadcast.Bus
	svc  *types.Service
	user *types.User
	path string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	save, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { save.Close() })

	svc := &types.Service{ID: types.NewID(), Name: "Internal"}
	user := &types.User{ID: types.NewID(), Username: "operator"}
	require.NoError(t, save.PutService(svc))
	require.NoError(t, save.PutUser(user))

	w, err := save.LoadWorld()
	require.NoError(t, err)

	bus := broadcast.New(16)
	t.Cleanup(bus.Close)

	srv := NewServer(w, save, bus, auth.NewTokenManager(), true)
	return &fixture{srv: srv, save: save, bus: bus, svc: svc, user: user, path: path}
}

func createFrame(svcID types.ID, title string) []byte {
	frame := []byte{wire.CmdCreateTask, byte(types.PriorityMedium)}
	frame = append(frame, svcID[:]...)
	frame = append(frame, make([]byte, 16)...)
	frame = append(frame, wire.DayNone, 0, 0, 0, 0, 0)
	return append(frame, title...)
}

func scheduleFrame(frameType byte, id types.ID, day uint8, start, dur uint16) []byte {
	frame := []byte{frameType}
	frame = append(frame, id[:]...)
	frame = append(frame, day)
	var u [2]byte
	binary.LittleEndian.PutUint16(u[:], start)
	frame = append(frame, u[:]...)
	binary.LittleEndian.PutUint16(u[:], dur)
	return append(frame, u[:]...)
}

func taskIDFrame(frameType byte, id types.ID) []byte {
	return append([]byte{frameType}, id[:]...)
}

func TestProcessCreateBroadcasts(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	ok := f.srv.Process(createFrame(f.svc.ID, "prep"), f.user.ID)
	require.True(t, ok)

	select {
	case frame := <-sub.C():
		assert.Equal(t, byte(wire.FrameTaskCreated), frame[0])
		assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(frame[1:9]))
		task, err := wire.DecodeTask(frame[9:])
		require.NoError(t, err)
		assert.Equal(t, "prep", task.Title)
		assert.Equal(t, types.TaskStaged, task.Status)
		assert.Nil(t, task.Schedule)
	case <-time.After(time.Second):
		t.Fatal("no broadcast frame")
	}
}

func TestProcessRejectionsSilent(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"garbage", []byte{0x42, 1, 2, 3}},
		{"short frame", []byte{wire.CmdDeleteTask, 1}},
		{"unknown task", taskIDFrame(wire.CmdDeleteTask, types.NewID())},
		{"unknown service", createFrame(types.NewID(), "x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := f.srv.Process(tt.frame, f.user.ID)
			assert.False(t, ok)
			assert.Equal(t, uint64(0), f.srv.CurrentRevision())
			select {
			case frame := <-sub.C():
				t.Fatalf("unexpected broadcast 0x%02x", frame[0])
			default:
			}
		})
	}
}

func TestProcessScheduleThenMove(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	require.True(t, f.srv.Process(createFrame(f.svc.ID, "t"), f.user.ID))
	created := <-sub.C()
	task, err := wire.DecodeTask(created[9:])
	require.NoError(t, err)

	require.True(t, f.srv.Process(scheduleFrame(wire.CmdScheduleTask, task.ID, 2, 540, 60), f.user.ID))
	frame := <-sub.C()
	assert.Equal(t, byte(wire.FrameTaskScheduled), frame[0])
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(frame[1:9]))

	// Scheduling an already-scheduled task is rejected silently.
	require.False(t, f.srv.Process(scheduleFrame(wire.CmdScheduleTask, task.ID, 5, 600, 30), f.user.ID))
	assert.Equal(t, uint64(2), f.srv.CurrentRevision())

	require.True(t, f.srv.Process(scheduleFrame(wire.CmdMoveTask, task.ID, 3, 900, 90), f.user.ID))
	frame = <-sub.C()
	assert.Equal(t, byte(wire.FrameTaskMoved), frame[0])
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(frame[1:9]))

	// A snapshot taken now carries revision 3 and the moved task.
	snap := f.srv.Snapshot()
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(snap[1:9]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(snap[9:13]))
	packed, err := wire.DecodeTask(snap[17:])
	require.NoError(t, err)
	require.NotNil(t, packed.Schedule)
	assert.Equal(t, uint8(3), packed.Schedule.Day)
}

func TestProcessDeleteCascades(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	require.True(t, f.srv.Process(createFrame(f.svc.ID, "doomed"), f.user.ID))
	created := <-sub.C()
	task, err := wire.DecodeTask(created[9:])
	require.NoError(t, err)

	require.True(t, f.srv.Process(taskIDFrame(wire.CmdDeleteTask, task.ID), f.user.ID))
	frame := <-sub.C()
	assert.Equal(t, byte(wire.FrameTaskDeleted), frame[0])

	snap := f.srv.Snapshot()
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(snap[9:13]), "snapshot no longer contains the task")
}

func TestDurabilityAcrossReboot(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.srv.Process(createFrame(f.svc.ID, "persisted"), f.user.ID))
	created := f.srv.Snapshot()
	taskRec, err := wire.DecodeTask(created[17:])
	require.NoError(t, err)
	require.True(t, f.srv.Process(scheduleFrame(wire.CmdScheduleTask, taskRec.ID, 2, 540, 60), f.user.ID))
	require.True(t, f.srv.Process(scheduleFrame(wire.CmdMoveTask, taskRec.ID, 3, 900, 90), f.user.ID))

	require.NoError(t, f.save.Close())

	save2, err := storage.Open(f.path)
	require.NoError(t, err)
	defer save2.Close()
	w2, err := save2.LoadWorld()
	require.NoError(t, err)

	srv2 := NewServer(w2, save2, broadcast.New(16), auth.NewTokenManager(), true)
	snap := srv2.Snapshot()
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(snap[1:9]))
	got, err := wire.DecodeTask(snap[17:])
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title)
	assert.Equal(t, &types.Schedule{Day: 3, Start: 900, Duration: 90}, got.Schedule)
}

func TestFindByUsername(t *testing.T) {
	f := newFixture(t)
	u, ok := f.srv.FindByUsername("operator")
	require.True(t, ok)
	assert.Equal(t, f.user.ID, u.ID)
	_, ok = f.srv.FindByUsername("nobody")
	assert.False(t, ok)
}

// dialGame connects a test websocket client to the fixture server.
func dialGame(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(f.srv.HandleGame))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return data
}

func TestGameConnectionReceivesSnapshotFirst(t *testing.T) {
	f := newFixture(t)
	conn := dialGame(t, f)

	snap := readBinary(t, conn)
	assert.Equal(t, byte(wire.FrameSnapshot), snap[0])
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(snap[1:9]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(snap[9:13]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(snap[13:17]), "one seeded service")
}

func TestGameCommandRoundTrip(t *testing.T) {
	f := newFixture(t)
	a := dialGame(t, f)
	b := dialGame(t, f)
	readBinary(t, a) // snapshots
	readBinary(t, b)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, createFrame(f.svc.ID, "shared")))

	// Both clients observe the broadcast, including the sender.
	for _, conn := range []*websocket.Conn{a, b} {
		frame := readBinary(t, conn)
		assert.Equal(t, byte(wire.FrameTaskCreated), frame[0])
		assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(frame[1:9]))
		task, err := wire.DecodeTask(frame[9:])
		require.NoError(t, err)
		assert.Equal(t, "shared", task.Title)
	}

	// A later connection resynchronizes through the snapshot.
	c := dialGame(t, f)
	snap := readBinary(t, c)
	assert.Equal(t, byte(wire.FrameSnapshot), snap[0])
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(snap[1:9]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(snap[9:13]))
}

func TestGameRejectsWithoutAuthOutsideDevMode(t *testing.T) {
	f := newFixture(t)
	strict := NewServer(f.srv.world, f.save, f.bus, f.srv.tokens, false)

	ts := httptest.NewServer(http.HandlerFunc(strict.HandleGame))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGameAcceptsValidToken(t *testing.T) {
	f := newFixture(t)
	strict := NewServer(f.srv.world, f.save, f.bus, f.srv.tokens, false)
	st, err := strict.tokens.Issue(f.user.ID, time.Hour)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(strict.HandleGame))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=" + st.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readBinary(t, conn)
	assert.Equal(t, byte(wire.FrameSnapshot), snap[0])
}
