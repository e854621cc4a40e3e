// Package session drives one duplex binary channel per connected
// client: an initial snapshot, then a loop that funnels inbound
// command frames through the shared world and fans broadcast frames
// out to the peer. All mutations go through a single write-exclusive
// lock with write-through persistence, so the revision counter is the
// serialization order every client observes.
package session

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/tempo/pkg/auth"
	"github.com/cuemby/tempo/pkg/broadcast"
	"github.com/cuemby/tempo/pkg/log"
	"github.com/cuemby/tempo/pkg/metrics"
	"github.com/cuemby/tempo/pkg/storage"
	"github.com/cuemby/tempo/pkg/types"
	"github.com/cuemby/tempo/pkg/wire"
	"github.com/cuemby/tempo/pkg/world"
)

const writeTimeout = 10 * time.Second

// Server owns the shared world and accepts game connections.
type Server struct {
	mu    sync.RWMutex
	world *world.World

	save    *storage.SaveFile
	bus     *broadcast.Bus
	tokens  *auth.TokenManager
	devAuth bool
	logger  zerolog.Logger

	upgrader websocket.Upgrader
}

// NewServer composes the orchestrator from its collaborators.
func NewServer(w *world.World, save *storage.SaveFile, bus *broadcast.Bus, tokens *auth.TokenManager, devAuth bool) *Server {
	return &Server{
		world:   w,
		save:    save,
		bus:     bus,
		tokens:  tokens,
		devAuth: devAuth,
		logger:  log.WithComponent("session"),
		upgrader: websocket.Upgrader{
			// The renderer is served from the same origin in
			// production; dev setups connect cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// FindByUsername satisfies the auth user-lookup contract.
func (s *Server) FindByUsername(name string) (*types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.world.FindUserByUsername(name)
	return u, ok
}

// resolveActor maps the connection to a 16-byte user id. Tokens are
// honored first; dev mode falls back to the user whose name sorts
// first, or the system actor when the world has none.
func (s *Server) resolveActor(r *http.Request) (types.ID, bool) {
	if token := auth.BearerToken(r); token != "" {
		if st, err := s.tokens.Lookup(token); err == nil {
			return st.UserID, true
		}
		if !s.devAuth {
			return types.Nil, false
		}
	}
	if !s.devAuth {
		return types.Nil, false
	}
	return s.devActor(), true
}

func (s *Server) devActor() types.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*types.User, 0, len(s.world.Users))
	for _, u := range s.world.Users {
		users = append(users, u)
	}
	if len(users) == 0 {
		return types.Nil
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users[0].ID
}

// HandleGame serves the /api/game endpoint.
func (s *Server) HandleGame(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.resolveActor(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	s.run(conn, actor)
}

// run is the per-connection lifecycle: subscribe before snapshotting
// so no event published between the two is missed, send the snapshot,
// then pump both directions until either side ends the session.
func (s *Server) run(conn *websocket.Conn, actor types.ID) {
	// Short id correlating every log line of this connection.
	sessionID := types.NewID().String()[:8]
	logger := log.WithSession(sessionID, actor.String()).With().
		Str("peer", conn.RemoteAddr().String()).Logger()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	defer conn.Close()

	s.mu.RLock()
	snapshot := wire.PackSnapshot(s.world.Tasks, s.world.Services, s.world.Revision)
	s.mu.RUnlock()

	metrics.SnapshotBytes.Observe(float64(len(snapshot)))
	if err := writeFrame(conn, snapshot); err != nil {
		logger.Debug().Err(err).Msg("snapshot send failed")
		return
	}
	logger.Info().Uint64("revision", s.CurrentRevision()).Msg("session started")

	// Writer: forward pre-packed broadcast frames as-is. A closed
	// subscription channel means we lagged past the bus bound and
	// the client must resynchronize through a fresh snapshot.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range sub.C() {
			if err := writeFrame(conn, frame); err != nil {
				logger.Debug().Err(err).Msg("event send failed")
				conn.Close()
				return
			}
		}
		if sub.Lagged() {
			metrics.SessionsLagged.Inc()
			logger.Warn().Msg("session desynchronized, dropping")
		}
		conn.Close()
	}()

	// Reader: inbound command frames. Command failures are logged
	// and dropped; the protocol has no per-command reply, clients
	// infer success from the broadcast.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("read failed")
			}
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.Process(data, actor)
	}

	s.bus.Unsubscribe(sub)
	<-done
	logger.Info().Msg("session ended")
}

func writeFrame(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Process runs the command pipeline for one inbound frame: decode,
// apply under the write lock, flush to the save, then pack and
// publish. Publishing happens before the lock is released so bus
// order always equals revision order. Returns true when an event was
// broadcast.
func (s *Server) Process(data []byte, actor types.ID) bool {
	cmd, err := wire.DecodeCommand(data)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("unknown", "decode_error").Inc()
		s.logger.Warn().Err(err).Int("len", len(data)).Msg("dropping undecodable frame")
		return false
	}
	name := commandName(cmd)

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.world.Apply(cmd, actor)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(name, "rejected").Inc()
		s.logger.Info().Err(err).Str("command", name).Msg("command rejected")
		return false
	}
	rev := s.world.Revision

	start := time.Now()
	err = s.save.Flush(ev, rev, s.affectedTask(ev))
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// The in-memory mutation is already applied; memory is
		// ahead of disk until the next successful flush. The
		// event is not broadcast.
		metrics.FlushErrors.Inc()
		metrics.CommandsTotal.WithLabelValues(name, "flush_error").Inc()
		s.logger.Error().Err(err).Str("command", name).Uint64("revision", rev).
			Msg("save flush failed, event not broadcast")
		return false
	}

	frame := wire.PackEvent(ev, rev)
	s.bus.Publish(frame)
	metrics.CommandsTotal.WithLabelValues(name, "ok").Inc()
	metrics.EventsBroadcast.Inc()
	metrics.WorldRevision.Set(float64(rev))
	return true
}

// affectedTask returns the task row the flush must upsert, or nil for
// a deletion. Caller holds the write lock.
func (s *Server) affectedTask(ev world.Event) *types.Task {
	switch e := ev.(type) {
	case world.TaskCreated:
		return s.world.Tasks[e.Task.ID]
	case world.TaskScheduled:
		return s.world.Tasks[e.TaskID]
	case world.TaskMoved:
		return s.world.Tasks[e.TaskID]
	case world.TaskUnscheduled:
		return s.world.Tasks[e.TaskID]
	case world.TaskCompleted:
		return s.world.Tasks[e.TaskID]
	}
	return nil
}

func commandName(cmd world.Command) string {
	switch cmd.(type) {
	case world.CreateTask:
		return "create"
	case world.ScheduleTask:
		return "schedule"
	case world.MoveTask:
		return "move"
	case world.UnscheduleTask:
		return "unschedule"
	case world.CompleteTask:
		return "complete"
	case world.DeleteTask:
		return "delete"
	}
	return "unknown"
}

// CurrentRevision returns the world revision under a read lock.
func (s *Server) CurrentRevision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.world.Revision
}

// Snapshot packs the current world under a read lock. Exposed for the
// connection path and tests.
func (s *Server) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wire.PackSnapshot(s.world.Tasks, s.world.Services, s.world.Revision)
}
