// Package ping coordinates node liveness sweeps.
//
// A sweep selects the nodes that need a probe (stale or unconfirmed), splits
// them into bounded batches and hands each batch to a Dispatcher. Every batch
// is counted by Begin when dispatched and by End once its results are merged,
// so IsDone is a cheap global "nothing in flight" check that works no matter
// how many triggers overlap.
//
// Results come back on transport goroutines. They are recorded in a pending
// set and queued for a single merge loop, which applies them to the node
// table. WaitUntilSynced blocks until that pending set is empty. Readers that
// need consistent node state should block there instead of polling IsDone.
//
//	trigger ──► SelectCandidates ──► Partition ──► Begin + Dispatch
//	                                                   │ (async)
//	                 node table ◄── Merger.Apply ◄── pending ◄── onComplete
//	                                   │
//	                              pending.Done, End
package ping
