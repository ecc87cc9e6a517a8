// Package recorder persists the event bus to SQLite.
//
// A ListenLoop subscription hands every event (except excluded types such
// as time_changed) to a bounded queue. A single writer goroutine drains
// the queue into the events table; state_changed events also produce a
// row in the states table. The queue never blocks the bus: when it is
// full the event is dropped and a warning is logged.
//
// Store answers history queries for the REST API and supplies the last
// known state of every entity so the state machine can be restored at
// startup.
package recorder
