/*
Package effect defines the side effects the deterministic core asks the
runtime to perform after applying a command: schedule an aux action,
monitor or demonitor a pid/node, deliver a listener notification, or
deliver a deferred reply. None of these are performed by the core itself —
they are returned as plain data so that Apply stays pure and the runtime
layer (package coordinator's Machine) decides how and when to actually
run them.
*/
package effect

import (
	"github.com/streamkit/coordinator/pkg/aux"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/monitor"
	"github.com/streamkit/coordinator/pkg/stream"
)

// Effect is the common interface every side effect variant implements. It
// carries no behavior; it exists only so []Effect slices can mix variants.
type Effect interface {
	effect()
}

// AuxAction asks the runtime to submit action to the configured Aux
// executor.
type AuxAction struct{ Action aux.Action }

// Monitor asks the runtime to perform a monitor/demonitor link change.
type Monitor struct{ Effect monitor.Effect }

// Notify asks the runtime to deliver a listener notification.
type Notify struct{ Notification listener.Notification }

// Reply asks the runtime to fulfil a deferred reply registered via
// stream.ReplyAddress, e.g. the promise behind a blocking create-stream
// call that only resolves once the writer is actually running.
type Reply struct {
	To    stream.ReplyAddress
	Value interface{}
}

// ReleaseCursor asks the runtime to take a snapshot and compact its log up
// to Index, per §4.1's release-cursor policy (every 4096 applied commands).
type ReleaseCursor struct {
	Index ids.Index
}

func (AuxAction) effect()     {}
func (Monitor) effect()       {}
func (Notify) effect()        {}
func (Reply) effect()         {}
func (ReleaseCursor) effect() {}
