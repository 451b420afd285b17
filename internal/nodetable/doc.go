// Package nodetable implements the coordinator's node table: the only shared
// mutable resource the ping cycle touches.
//
// Readers take copies (Get, Snapshot) so selection and reporting never hold a
// lock while doing work. Writers go through UpdateRecord, which serializes
// mutations of one record while letting different records change in parallel.
package nodetable
