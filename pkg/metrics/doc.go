/*
Package metrics exposes the coordinator's Prometheus instrumentation:
stream/member gauges, election and aux-action counters, listener
notification counts, dispatcher command/error counters, and the
hashicorp/raft-facing gauges collected by package cluster.

Metrics are registered at package init and served by Handler, mirroring
the teacher's metrics package; the label surface is reshaped from
nodes/services/containers to streams/members/aux-actions since this
machine's domain has no concept of the former.
*/
package metrics
