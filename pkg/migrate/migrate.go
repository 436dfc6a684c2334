/*
Package migrate upgrades a persisted coordinator snapshot between machine
versions, one integer step at a time, before it is ever decoded into the
current Go types.

It operates on the snapshot's raw JSON tree (map[string]interface{}) rather
than package dispatcher's typed State: legacy wire shapes predate the
current struct layout and in places do not even unmarshal into it (v1's
listener storage, for one), and keeping this package below coordinator and
dispatcher in the import graph — rather than depending on either — avoids
the import cycle a typed signature would create (coordinator.Machine.Restore
needs to call into migrate before it can produce a dispatcher.State at all).

This mirrors cmd/warren-migrate's inspect-then-rewrite shape (walk the
stored records, validate/reshape each one, write the result back) adapted
from a standalone offline tool operating on BoltDB buckets to an in-process
step run as part of Restore.
*/
package migrate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/streamkit/coordinator/pkg/ids"
)

// ListenerPid names a listener pid that v1 state never monitored, so the
// caller (coordinator.Machine.Restore) must monitor it explicitly once the
// migrated state is loaded, per spec.md §9's "emits monitor(process, pid)
// effects for previously-unmonitored listener pids".
type ListenerPid struct {
	StreamID string
	Pid      ids.Pid
}

// Migrate rewrites raw, a JSON-encoded dispatcher.State snapshot, from
// machine version from to machine version to, applying each intermediate
// step's migration in order. It returns the rewritten snapshot and the
// listener pids any step says must newly be monitored.
func Migrate(from, to int, raw []byte) ([]byte, []ListenerPid, error) {
	if to < from {
		return nil, nil, fmt.Errorf("migrate: to (%d) must be >= from (%d)", to, from)
	}
	if to == from {
		return raw, nil, nil
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, nil, fmt.Errorf("migrate: decode snapshot: %w", err)
	}

	var newlyMonitored []ListenerPid
	for v := from; v < to; v++ {
		switch v {
		case 1:
			pids, err := migrateV1ToV2(tree)
			if err != nil {
				return nil, nil, fmt.Errorf("migrate: v1->v2: %w", err)
			}
			newlyMonitored = append(newlyMonitored, pids...)
		case 2:
			migrateV2ToV3(tree)
		default:
			return nil, nil, fmt.Errorf("migrate: no migration step defined for version %d", v)
		}
	}
	tree["MachineVersion"] = to

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, nil, fmt.Errorf("migrate: encode snapshot: %w", err)
	}
	return out, newlyMonitored, nil
}

// migrateV1ToV2 rewrites every stream's listener storage from v1's flat
// {pid_string -> leader_pid_string} map (leader listeners only, never
// monitored) to v2's Registry wire shape (a slice of {Pid,Kind,Node,LastPid}
// entries, see package listener), and reports every listener pid found so
// the caller can start monitoring it.
func migrateV1ToV2(tree map[string]interface{}) ([]ListenerPid, error) {
	streams, _ := tree["Streams"].(map[string]interface{})
	var monitored []ListenerPid
	for streamID, raw := range streams {
		s, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		old, ok := s["Listen"].(map[string]interface{})
		if !ok {
			// Already absent, or already v2+ shape (a slice); nothing to do.
			continue
		}
		entries := make([]map[string]interface{}, 0, len(old))
		for pidStr, lastRaw := range old {
			pid, err := parsePid(pidStr)
			if err != nil {
				return nil, fmt.Errorf("stream %s: listener pid %q: %w", streamID, pidStr, err)
			}
			lastStr, _ := lastRaw.(string)
			var last ids.Pid
			if lastStr != "" {
				last, err = parsePid(lastStr)
				if err != nil {
					return nil, fmt.Errorf("stream %s: last pid %q: %w", streamID, lastStr, err)
				}
			}
			entries = append(entries, map[string]interface{}{
				"Pid":     pid,
				"Kind":    0, // listener.Leader: v1 only ever tracked leader listeners
				"Node":    "",
				"LastPid": last,
			})
			monitored = append(monitored, ListenerPid{StreamID: streamID, Pid: pid})
		}
		s["Listen"] = entries
	}
	return monitored, nil
}

// migrateV2ToV3 adds the (empty) sac table introduced in v3; v1/v2 states
// predate the single-active-consumer sub-machine entirely.
func migrateV2ToV3(tree map[string]interface{}) {
	if _, ok := tree["Sac"]; !ok {
		tree["Sac"] = map[string]interface{}{}
	}
}

// parsePid parses the "node/token" string form produced by ids.Pid.String.
func parsePid(s string) (ids.Pid, error) {
	node, token, ok := strings.Cut(s, "/")
	if !ok {
		return ids.Pid{}, fmt.Errorf("malformed pid %q", s)
	}
	return ids.Pid{Node: ids.Node(node), Token: token}, nil
}
