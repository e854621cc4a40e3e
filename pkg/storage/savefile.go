// Package storage implements the single-file embedded save. Four
// buckets hold the world: tasks, users, services and a meta bucket
// carrying the revision. Records are stored as JSON under their
// 16-byte ids; the revision is 8 bytes little-endian under a fixed
// key. The world is loaded whole at boot and written through on each
// mutation.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cuemby/tempo/pkg/types"
	"github.com/cuemby/tempo/pkg/world"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks    = []byte("world_tasks")
	bucketUsers    = []byte("world_users")
	bucketServices = []byte("world_services")
	bucketMeta     = []byte("world_meta")

	keyRevision = []byte("revision")
)

// SaveFile is the bbolt-backed store.
type SaveFile struct {
	db *bolt.DB
}

// Open opens (or creates) the save file and ensures all buckets
// exist.
func Open(path string) (*SaveFile, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open save file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketTasks, bucketUsers, bucketServices, bucketMeta}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SaveFile{db: db}, nil
}

// Close closes the database
func (s *SaveFile) Close() error {
	return s.db.Close()
}

// LoadWorld rebuilds the world from a single read transaction: all
// three entity tables plus the revision (0 if absent). The replay log
// starts empty; it is an in-process structure only.
func (s *SaveFile) LoadWorld() (*world.World, error) {
	w := world.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("corrupt task row %x: %w", k, err)
			}
			w.AddTask(&t)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("corrupt user row %x: %w", k, err)
			}
			w.AddUser(&u)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc types.Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return fmt.Errorf("corrupt service row %x: %w", k, err)
			}
			w.AddService(&svc)
			return nil
		}); err != nil {
			return err
		}
		if rev := tx.Bucket(bucketMeta).Get(keyRevision); rev != nil {
			if len(rev) != 8 {
				return fmt.Errorf("corrupt revision value (%d bytes)", len(rev))
			}
			w.Revision = binary.LittleEndian.Uint64(rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Flush writes the minimum set for one event in a single transaction:
// the affected task row (upsert, or delete for TaskDeleted) and the
// new revision. The commit is synchronous; on error nothing is
// visible and the caller must not broadcast the event.
func (s *SaveFile) Flush(ev world.Event, revision uint64, t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		switch e := ev.(type) {
		case world.TaskDeleted:
			if err := b.Delete(e.TaskID[:]); err != nil {
				return err
			}
		default:
			if t == nil {
				return fmt.Errorf("flush of %T without task row", ev)
			}
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := b.Put(t.ID[:], data); err != nil {
				return err
			}
		}
		var rev [8]byte
		binary.LittleEndian.PutUint64(rev[:], revision)
		return tx.Bucket(bucketMeta).Put(keyRevision, rev[:])
	})
}

// PutUser upserts a user row. Used by seeding; the core never writes
// users.
func (s *SaveFile) PutUser(u *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(u.ID[:], data)
	})
}

// PutService upserts a service row. Used by seeding.
func (s *SaveFile) PutService(svc *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Put(svc.ID[:], data)
	})
}

// Empty reports whether no entities have ever been stored. Seeding
// runs exactly when this is true.
func (s *SaveFile) Empty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketUsers, bucketServices} {
			k, _ := tx.Bucket(bucket).Cursor().First()
			if k != nil {
				empty = false
				return nil
			}
		}
		return nil
	})
	return empty, err
}
