/*
Package store is the coordinator's local read-model: a BoltDB-backed,
rebuild-on-every-apply projection of the replicated dispatcher.State,
queried directly by package query for local reads that never need to go
through raft.

This is the same shape as storage.BoltStore: one bucket per projected
resource, JSON-per-key values, Update/View transactions. The difference is
ownership — storage.Store was the coordinator's only state; here the
replicated dispatcher.State in package coordinator is authoritative and
this store is a disposable, rebuildable cache of it, so a missing or
corrupt store file is never a correctness problem, only a slower first
query (local lookups fall back to a quorum read per spec.md §6.2).
*/
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
	"github.com/streamkit/coordinator/pkg/stream"
)

var bucketStreams = []byte("streams")

// Snapshot is the projected view of one stream the store persists: enough
// to answer writer_pid/local_pid/members without touching package stream's
// full transition state.
type Snapshot struct {
	ID      ids.StreamId
	Epoch   ids.Epoch
	Members map[ids.Node]MemberView
}

// MemberView is the read-only projection of one member used to answer
// queries.
type MemberView struct {
	Pid  ids.Pid
	Kind member.Kind
	Role member.Role
}

// Store is the BoltDB-backed projection.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the read-model database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "coordinator-store.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStreams)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Project rebuilds a stream's projection from its authoritative stream.Stream
// value and writes it to the bucket, called by coordinator.Machine after
// every Apply that touched the stream.
func (s *Store) Project(st *stream.Stream) error {
	snap := Snapshot{ID: st.ID, Epoch: st.Epoch, Members: make(map[ids.Node]MemberView, len(st.Members))}
	for node, m := range st.Members {
		snap.Members[node] = MemberView{Pid: m.State.Pid, Kind: m.Role.Kind, Role: m.Role}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot for %s: %w", st.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStreams).Put([]byte(st.ID), data)
	})
}

// Remove drops a stream's projection, called once it has been destroyed.
func (s *Store) Remove(id ids.StreamId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStreams).Delete([]byte(id))
	})
}

// ErrNotFound is returned by Get when no projection is stored for a stream.
var ErrNotFound = fmt.Errorf("store: stream not found")

// Get returns the current local projection of a stream.
func (s *Store) Get(id ids.StreamId) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStreams).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &snap)
	})
	return snap, err
}

// RebuildAll replaces the entire projection from the authoritative stream
// set, used once after coordinator.Machine.Restore loads a fresh snapshot.
func (s *Store) RebuildAll(streams map[ids.StreamId]*stream.Stream) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Clear and repopulate: DeleteBucket+CreateBucket is cheaper than a
		// per-key delete loop when resyncing the whole projection.
		if err := tx.DeleteBucket(bucketStreams); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketStreams)
		if err != nil {
			return err
		}
		for id, st := range streams {
			snap := Snapshot{ID: st.ID, Epoch: st.Epoch, Members: make(map[ids.Node]MemberView, len(st.Members))}
			for node, m := range st.Members {
				snap.Members[node] = MemberView{Pid: m.State.Pid, Kind: m.Role.Kind, Role: m.Role}
			}
			data, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("store: marshal snapshot for %s: %w", id, err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}
