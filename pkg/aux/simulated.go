package aux

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamkit/coordinator/internal/corelog"
	"github.com/streamkit/coordinator/pkg/ids"
)

// SimulatedExecutor is an in-process Aux implementation: it does not start
// real log-server processes (out of scope per spec.md §1), it simulates the
// RPC outcome on a goroutine per action and reports back exactly the
// command spec.md §4.6 names. This is the generalization of worker.Worker's
// goroutine-per-task execution model (stopContainer et al. each run on
// their own goroutine and report completion asynchronously), reshaped
// around the aux action/result contract instead of container lifecycle
// calls.
type SimulatedExecutor struct {
	mu      sync.Mutex
	inFlight map[ids.StreamId]map[ids.Node]Action
	onResult func(Result)

	// Delay is how long a simulated action takes before it reports success.
	// Zero means "as fast as the scheduler allows."
	Delay time.Duration
	// FailureBackoff is the pause before reporting action_failed for any
	// action that Fail rejects, mirroring worker's fixed retry delay —
	// spec.md §4.6 calls this "a policy hint, not a correctness
	// requirement", so a fixed delay is enough; no backoff library is
	// warranted.
	FailureBackoff time.Duration
	// Fail, if set, is consulted before running an action; returning a
	// non-nil error simulates the action failing instead of succeeding.
	// Tests use this to exercise action_failed without real I/O.
	Fail func(Action) error
}

// NewSimulatedExecutor constructs an executor with the given default
// simulated delay.
func NewSimulatedExecutor(delay time.Duration) *SimulatedExecutor {
	return &SimulatedExecutor{
		inFlight:       map[ids.StreamId]map[ids.Node]Action{},
		Delay:          delay,
		FailureBackoff: 200 * time.Millisecond,
	}
}

// OnResult registers the result callback. Must be called before Submit.
func (e *SimulatedExecutor) OnResult(fn func(Result)) {
	e.onResult = fn
}

// Submit runs action on its own goroutine, recording it as in-flight for
// (action.StreamID, action.Node) until the goroutine reports back.
func (e *SimulatedExecutor) Submit(action Action) {
	e.mu.Lock()
	if e.inFlight[action.StreamID] == nil {
		e.inFlight[action.StreamID] = map[ids.Node]Action{}
	}
	e.inFlight[action.StreamID][action.Node] = action
	e.mu.Unlock()

	go e.run(action)
}

func (e *SimulatedExecutor) run(action Action) {
	logger := corelog.WithStream(string(action.StreamID))

	if e.Fail != nil {
		if err := e.Fail(action); err != nil {
			time.Sleep(e.FailureBackoff)
			e.report(Result{
				StreamID: action.StreamID,
				Node:     action.Node,
				Kind:     ActionFailed,
				Epoch:    action.Epoch,
				Index:    action.Index,
				Action:   action.Kind,
				Err:      err.Error(),
			})
			return
		}
	}

	if e.Delay > 0 {
		time.Sleep(e.Delay)
	}

	logger.Debug().Str("kind", action.Kind.String()).Str("node", string(action.Node)).Msg("aux action completed")

	switch action.Kind {
	case StartWriter, StartReplica:
		e.report(Result{
			StreamID: action.StreamID, Node: action.Node, Kind: MemberStarted,
			Epoch: action.Epoch, Index: action.Index,
			Pid: ids.Pid{Node: action.Node, Token: simulatedToken(action)},
		})
	case Stop:
		e.report(Result{
			StreamID: action.StreamID, Node: action.Node, Kind: MemberStopped,
			Epoch: action.Epoch, Index: action.Index, Tail: ids.EmptyTail,
		})
	case DeleteMember:
		e.report(Result{
			StreamID: action.StreamID, Node: action.Node, Kind: MemberDeleted,
			Epoch: action.Epoch, Index: action.Index,
		})
	case UpdateRetention:
		e.report(Result{
			StreamID: action.StreamID, Node: action.Node, Kind: RetentionUpdated,
			Epoch: action.Epoch, Index: action.Index,
		})
	case UpdateCatalog:
		e.report(Result{
			StreamID: action.StreamID, Node: action.Node, Kind: CatalogUpdated,
			Epoch: action.Epoch, Index: action.Index,
		})
	}
}

func (e *SimulatedExecutor) report(r Result) {
	e.mu.Lock()
	if members, ok := e.inFlight[r.StreamID]; ok {
		delete(members, r.Node)
		if len(members) == 0 {
			delete(e.inFlight, r.StreamID)
		}
	}
	e.mu.Unlock()

	if e.onResult != nil {
		e.onResult(r)
	}
}

// FailActiveActions implements the leader-change robustness protocol: every
// in-flight action for a stream not in exclude is reported as failed.
func (e *SimulatedExecutor) FailActiveActions(exclude map[ids.StreamId]bool) {
	e.mu.Lock()
	var stranded []Action
	for streamID, members := range e.inFlight {
		if exclude[streamID] {
			continue
		}
		for _, a := range members {
			stranded = append(stranded, a)
		}
	}
	e.mu.Unlock()

	for _, a := range stranded {
		e.report(Result{
			StreamID: a.StreamID, Node: a.Node, Kind: ActionFailed,
			Epoch: a.Epoch, Index: a.Index, Action: a.Kind,
			Err: "stranded by leader change",
		})
	}
}

// simulatedToken synthesizes a pid token for a started member. Real tokens
// come from whatever identity the actual log process reports; this executor
// never starts one, so it mints a random one, the same way the teacher mints
// a fresh container id for every started task.
func simulatedToken(a Action) string {
	return uuid.NewString()
}
