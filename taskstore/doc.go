// Package taskstore houses concrete implementations of task snapshot
// persistence. The orchestrator writes a snapshot at every status
// transition so task logs survive a process restart and remain observable
// afterwards.
//
// Two backends ship with the framework: a volatile in-memory store for
// tests and demos, and a file store writing one JSON document per task with
// atomic replacement. Additional backends (Redis, Postgres, etc.) can be
// added without changing any calling code; only the wiring layer decides
// which implementation to instantiate.
package taskstore
