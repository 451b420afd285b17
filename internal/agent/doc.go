// Package agent is the coordinator side of the probe transport: it contacts
// node agents over HTTP(S) and reports per-node outcomes back to the ping
// coordinator.
package agent
