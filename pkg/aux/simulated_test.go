package aux

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/ids"
)

func collectResults(e *SimulatedExecutor) (*[]Result, *sync.Mutex) {
	var mu sync.Mutex
	results := []Result{}
	e.OnResult(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	return &results, &mu
}

func waitFor(t *testing.T, mu *sync.Mutex, results *[]Result, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(*results)
		mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results", n)
}

func TestSimulatedExecutorStartWriterReportsMemberStarted(t *testing.T) {
	e := NewSimulatedExecutor(0)
	results, mu := collectResults(e)

	e.Submit(Action{StreamID: "s", Node: "n1", Kind: StartWriter, Epoch: 1, Index: 10})
	waitFor(t, mu, results, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *results, 1)
	r := (*results)[0]
	assert.Equal(t, MemberStarted, r.Kind)
	assert.Equal(t, ids.StreamId("s"), r.StreamID)
	assert.Equal(t, ids.Node("n1"), r.Node)
	assert.False(t, r.Pid.IsZero())
}

func TestSimulatedExecutorStopReportsMemberStopped(t *testing.T) {
	e := NewSimulatedExecutor(0)
	results, mu := collectResults(e)

	e.Submit(Action{StreamID: "s", Node: "n1", Kind: Stop, Epoch: 1, Index: 10})
	waitFor(t, mu, results, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, MemberStopped, (*results)[0].Kind)
	assert.True(t, (*results)[0].Tail.Empty)
}

func TestSimulatedExecutorFailHookReportsActionFailed(t *testing.T) {
	e := NewSimulatedExecutor(0)
	e.FailureBackoff = 0
	e.Fail = func(a Action) error { return errors.New("boom") }
	results, mu := collectResults(e)

	e.Submit(Action{StreamID: "s", Node: "n1", Kind: StartWriter, Epoch: 1, Index: 10})
	waitFor(t, mu, results, 1)

	mu.Lock()
	defer mu.Unlock()
	r := (*results)[0]
	assert.Equal(t, ActionFailed, r.Kind)
	assert.Equal(t, StartWriter, r.Action)
	assert.Equal(t, "boom", r.Err)
}

func TestSimulatedExecutorFailActiveActionsStrandsInFlightOnly(t *testing.T) {
	e := NewSimulatedExecutor(time.Hour) // never completes on its own
	results, mu := collectResults(e)

	e.Submit(Action{StreamID: "s1", Node: "n1", Kind: StartWriter, Epoch: 1, Index: 1})
	e.Submit(Action{StreamID: "s2", Node: "n1", Kind: StartWriter, Epoch: 1, Index: 2})
	time.Sleep(10 * time.Millisecond) // let Submit register in-flight state

	e.FailActiveActions(map[ids.StreamId]bool{"s2": true})
	waitFor(t, mu, results, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *results, 1)
	assert.Equal(t, ids.StreamId("s1"), (*results)[0].StreamID)
	assert.Equal(t, ActionFailed, (*results)[0].Kind)
	assert.Equal(t, "stranded by leader change", (*results)[0].Err)
}

func TestSimulatedExecutorFailActiveActionsNoopWhenNoneInFlight(t *testing.T) {
	e := NewSimulatedExecutor(0)
	results, mu := collectResults(e)

	e.FailActiveActions(nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *results)
}
