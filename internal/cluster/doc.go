// Package cluster holds the wire types shared by the coordinator and the node
// agents, plus the small HTTP helpers both sides use to talk to each other.
//
// # Overview
//
// The coordinator is the hub of a hub-and-spoke topology. Every compute node
// runs a lightweight agent that answers liveness probes and announces itself
// to the coordinator when it starts:
//
//	           ┌──────────────┐
//	           │ Coordinator  │
//	           │ - Node table │
//	           │ - Ping cycle │
//	           └──────┬───────┘
//	                  │ GET /health
//	    ┌─────────────┼─────────────┐
//	┌───▼────┐   ┌────▼───┐    ┌────▼───┐
//	│ Agent1 │   │ Agent2 │    │ Agent3 │
//	└────────┘   └────────┘    └────────┘
//
// # Node States
//
// A node is in one of four states:
//   - unknown: listed in the inventory but never confirmed
//   - registering: announced itself, not yet confirmed by a probe
//   - up: the most recent merged probe succeeded
//   - down: the consecutive-failure threshold was reached
//
// Unknown and registering nodes are "unconfirmed" and are probed on every
// sweep regardless of staleness.
//
// # Communication Protocol
//
// Node Registration (POST /register):
//   - Agents announce their ID and public address
//   - Retried with exponential backoff until the coordinator answers
//
// Liveness (GET /health on the agent):
//   - Probed by the coordinator in bounded batches
//   - A bearer token is sent when token auth is configured
//
// # Usage Example
//
//	err := cluster.Register(ctx, "http://coord:8080",
//	    cluster.NodeInfo{ID: "n1", Addr: "http://n1:8081"}, time.Minute, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
package cluster
