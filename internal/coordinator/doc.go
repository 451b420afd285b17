// Package coordinator drives the ping cycle of the pingd coordinator daemon.
//
// # Overview
//
// The ping package knows how to run one liveness sweep. This package decides
// when sweeps happen:
//
//	┌──────────────┐  tick   ┌──────────────┐ TriggerSweep ┌─────────────────┐
//	│   ticker     │ ──────▶ │  Scheduler   │ ───────────▶ │ ping.Coordinator│
//	└──────────────┘         │              │              └─────────────────┘
//	┌──────────────┐ names   │              │ TriggerNodes         ▲
//	│ registration │ ──────▶ │              │ ─────────────────────┘
//	└──────────────┘         └──────────────┘
//
// Periodic ticks consult IsDone first and skip while the previous cycle is
// still draining. Registrations, whether received over HTTP or observed in
// etcd, always trigger a sweep of just the new nodes.
//
// # Shutdown
//
// Start blocks until its context is canceled or Stop is called. Stop waits
// for the loop to exit. Outstanding batches are not affected; they finish
// through the ping coordinator's merge loop.
package coordinator
