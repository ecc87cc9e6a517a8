// Package core implements the Open Peer Power runtime: the event bus,
// the state machine, the service registry and the Core handle that ties
// them together.
//
// # Architecture
//
//	            ┌──────────────┐
//	  Fire ───► │   EventBus   │ ──► listeners (loop / mailbox / once)
//	            └──────▲───────┘
//	                   │ state_changed, service_registered, ...
//	   ┌───────────────┴──────────────┐
//	   │                              │
//	┌──┴───────────┐        ┌─────────┴───────┐
//	│ StateMachine │        │ ServiceRegistry │ ──► handlers (own goroutine)
//	└──────────────┘        └─────────────────┘
//
// Every event, state write and service call carries a Context that
// records which user caused it and which earlier context it descends
// from.
//
// # Ordering
//
// A single dispatcher goroutine drains the event queue. ListenLoop
// listeners run on it; Listen listeners each drain a private mailbox.
// Both observe events in firing order. The state
// machine fires state_changed while holding its write lock, so the event
// order for an entity equals its write order.
//
// # Quiescence
//
// Core.BlockTillDone waits for queued events, listener mailboxes,
// service handlers and executor jobs, including any work they schedule
// while being waited on. Tests rely on it instead of sleeping.
package core
