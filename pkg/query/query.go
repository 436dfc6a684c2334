/*
Package query answers the coordinator's three read-only queries
(writer_pid, local_pid, members) against the local store.Store projection,
escalating to a consistent quorum read when the local answer is missing or
stale, per spec.md §6.2.

This generalizes manager.Manager's read-from-local-store getters
(GetNode/ListNodes/...), which always answered from the local BoltDB store
with no fallback; the coordinator's queries need one because a replica's
local projection can lag the cluster (it is only rebuilt after a command
this replica itself has applied).
*/
package query

import (
	"context"
	"errors"
	"time"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
	"github.com/streamkit/coordinator/pkg/store"
)

// Error kinds returned by queries, matching spec.md §7's error vocabulary.
var (
	ErrStreamNotFound = errors.New("query: stream not found")
	ErrWriterNotFound = errors.New("query: writer not found")
	ErrNotFound       = errors.New("query: not found")
	ErrTimeout        = errors.New("query: timeout")
)

// MemberInfo is one entry of the members(stream_id) query result.
type MemberInfo struct {
	Node ids.Node
	Pid  ids.Pid // zero if none
	Kind member.Kind
}

// QuorumReader performs a linearizable (ReadIndex or raft-applied-barrier)
// read against the cluster, used only when the local projection cannot
// answer a query. package cluster implements it; query never imports
// cluster directly, which keeps the dependency one-directional
// (cluster depends on coordinator/query, not the reverse).
type QuorumReader interface {
	QuorumSnapshot(ctx context.Context, id ids.StreamId) (store.Snapshot, error)
}

// DefaultTimeout bounds how long a quorum escalation may take before a
// query reports ErrTimeout.
const DefaultTimeout = 2 * time.Second

// Service answers queries against a local store with quorum fallback.
type Service struct {
	Local  *store.Store
	Quorum QuorumReader
}

// New constructs a Service. quorum may be nil, in which case queries that
// would otherwise escalate instead return the local (possibly stale) not-
// found error.
func New(local *store.Store, quorum QuorumReader) *Service {
	return &Service{Local: local, Quorum: quorum}
}

func (s *Service) lookup(ctx context.Context, id ids.StreamId) (store.Snapshot, error) {
	snap, err := s.Local.Get(id)
	if err == nil {
		return snap, nil
	}
	if s.Quorum == nil {
		return store.Snapshot{}, ErrStreamNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	snap, qerr := s.Quorum.QuorumSnapshot(ctx, id)
	if qerr != nil {
		if errors.Is(qerr, context.DeadlineExceeded) {
			return store.Snapshot{}, ErrTimeout
		}
		return store.Snapshot{}, ErrStreamNotFound
	}
	return snap, nil
}

// WriterPid answers writer_pid(stream_id).
func (s *Service) WriterPid(ctx context.Context, id ids.StreamId) (ids.Pid, error) {
	snap, err := s.lookup(ctx, id)
	if err != nil {
		return ids.Pid{}, err
	}
	for _, m := range snap.Members {
		if m.Kind == member.Writer && !m.Pid.IsZero() {
			return m.Pid, nil
		}
	}
	return ids.Pid{}, ErrWriterNotFound
}

// LocalPid answers local_pid(stream_id, node). A zero (not-alive) local
// result triggers the quorum escalation, even when the stream itself was
// found locally, per §6.2's "or the returned pid is not alive on its node".
func (s *Service) LocalPid(ctx context.Context, id ids.StreamId, node ids.Node) (ids.Pid, error) {
	snap, err := s.Local.Get(id)
	if err == nil {
		if m, ok := snap.Members[node]; ok && !m.Pid.IsZero() {
			return m.Pid, nil
		}
	}
	if s.Quorum == nil {
		return ids.Pid{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	qsnap, qerr := s.Quorum.QuorumSnapshot(ctx, id)
	if qerr != nil {
		if errors.Is(qerr, context.DeadlineExceeded) {
			return ids.Pid{}, ErrTimeout
		}
		return ids.Pid{}, ErrNotFound
	}
	m, ok := qsnap.Members[node]
	if !ok || m.Pid.IsZero() {
		return ids.Pid{}, ErrNotFound
	}
	return m.Pid, nil
}

// Members answers members(stream_id).
func (s *Service) Members(ctx context.Context, id ids.StreamId) ([]MemberInfo, error) {
	snap, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]MemberInfo, 0, len(snap.Members))
	for node, m := range snap.Members {
		out = append(out, MemberInfo{Node: node, Pid: m.Pid, Kind: m.Kind})
	}
	return out, nil
}
