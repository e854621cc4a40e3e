package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tempo/pkg/types"
	"github.com/cuemby/tempo/pkg/world"
)

func openTemp(t *testing.T) (*SaveFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	save, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { save.Close() })
	return save, path
}

func TestOpenEmpty(t *testing.T) {
	save, _ := openTemp(t)

	empty, err := save.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	w, err := save.LoadWorld()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), w.Revision)
	assert.Empty(t, w.Tasks)
	assert.Empty(t, w.Users)
	assert.Empty(t, w.Services)
}

func TestSeedRowsSurviveReload(t *testing.T) {
	save, _ := openTemp(t)

	svc := &types.Service{ID: types.NewID(), Name: "Internal"}
	user := &types.User{ID: types.NewID(), Username: "operator", PassSalt: []byte{1}, PassHash: []byte{2}}
	require.NoError(t, save.PutService(svc))
	require.NoError(t, save.PutUser(user))

	empty, err := save.Empty()
	require.NoError(t, err)
	assert.False(t, empty)

	w, err := save.LoadWorld()
	require.NoError(t, err)
	require.Len(t, w.Services, 1)
	require.Len(t, w.Users, 1)
	assert.Equal(t, "Internal", w.Services[svc.ID].Name)
	assert.Equal(t, "operator", w.Users[user.ID].Username)
	assert.Equal(t, []byte{1}, w.Users[user.ID].PassSalt)
}

func TestFlushWriteThrough(t *testing.T) {
	save, path := openTemp(t)

	svc := &types.Service{ID: types.NewID(), Name: "Internal"}
	user := &types.User{ID: types.NewID(), Username: "operator"}
	require.NoError(t, save.PutService(svc))
	require.NoError(t, save.PutUser(user))

	w, err := save.LoadWorld()
	require.NoError(t, err)

	// rev 1: create
	ev, err := w.Apply(world.CreateTask{
		Priority:  types.PriorityMedium,
		ServiceID: svc.ID,
		Title:     "prep",
	}, user.ID)
	require.NoError(t, err)
	created := ev.(world.TaskCreated)
	require.NoError(t, save.Flush(ev, w.Revision, w.Tasks[created.Task.ID]))

	// rev 2: schedule
	ev, err = w.Apply(world.ScheduleTask{TaskID: created.Task.ID, Day: 2, Start: 540, Duration: 60}, user.ID)
	require.NoError(t, err)
	require.NoError(t, save.Flush(ev, w.Revision, w.Tasks[created.Task.ID]))

	// rev 3: move
	ev, err = w.Apply(world.MoveTask{TaskID: created.Task.ID, Day: 3, Start: 900, Duration: 90}, user.ID)
	require.NoError(t, err)
	require.NoError(t, save.Flush(ev, w.Revision, w.Tasks[created.Task.ID]))

	// Reboot: reload from disk and compare.
	require.NoError(t, save.Close())
	save2, err := Open(path)
	require.NoError(t, err)
	defer save2.Close()

	w2, err := save2.LoadWorld()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w2.Revision)
	require.Len(t, w2.Tasks, 1)
	got := w2.Tasks[created.Task.ID]
	assert.Equal(t, "prep", got.Title)
	assert.Equal(t, types.TaskScheduled, got.Status)
	assert.Equal(t, &types.Schedule{Day: 3, Start: 900, Duration: 90}, got.Schedule)

	// The log is in-process only; a fresh boot starts it empty.
	entries, ok := w2.EventsSince(0)
	assert.True(t, ok)
	assert.Empty(t, entries)
}

func TestFlushDeleteRemovesRow(t *testing.T) {
	save, _ := openTemp(t)

	svc := &types.Service{ID: types.NewID(), Name: "Internal"}
	require.NoError(t, save.PutService(svc))

	w, err := save.LoadWorld()
	require.NoError(t, err)

	ev, err := w.Apply(world.CreateTask{ServiceID: svc.ID, Title: "doomed"}, types.Nil)
	require.NoError(t, err)
	id := ev.(world.TaskCreated).Task.ID
	require.NoError(t, save.Flush(ev, w.Revision, w.Tasks[id]))

	ev, err = w.Apply(world.DeleteTask{TaskID: id}, types.Nil)
	require.NoError(t, err)
	require.NoError(t, save.Flush(ev, w.Revision, nil))

	w2, err := save.LoadWorld()
	require.NoError(t, err)
	assert.Empty(t, w2.Tasks)
	assert.Equal(t, uint64(2), w2.Revision)
}

func TestLoadKeepsCreationOrder(t *testing.T) {
	save, _ := openTemp(t)

	svc := &types.Service{ID: types.NewID(), Name: "Internal"}
	require.NoError(t, save.PutService(svc))

	w, err := save.LoadWorld()
	require.NoError(t, err)

	var ids []types.ID
	for _, title := range []string{"first", "second", "third"} {
		ev, err := w.Apply(world.CreateTask{ServiceID: svc.ID, Title: title}, types.Nil)
		require.NoError(t, err)
		id := ev.(world.TaskCreated).Task.ID
		ids = append(ids, id)
		require.NoError(t, save.Flush(ev, w.Revision, w.Tasks[id]))
	}

	w2, err := save.LoadWorld()
	require.NoError(t, err)
	queue := w2.StagedQueue()
	require.Len(t, queue, 3)
	for i, id := range ids {
		assert.Equal(t, id, queue[i].ID)
	}

	// New tasks created after reload keep sequencing after the
	// loaded ones.
	ev, err := w2.Apply(world.CreateTask{ServiceID: svc.ID, Title: "fourth"}, types.Nil)
	require.NoError(t, err)
	assert.Equal(t, ids[len(ids)-1], queue[2].ID)
	assert.Greater(t, ev.(world.TaskCreated).Task.Seq, queue[2].Seq)
}
