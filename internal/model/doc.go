// Package model defines the sync queue's domain types: operations and their
// status machine, idempotency records, history entries, and the typed
// payload union keyed by sync type.
//
// This package contains type definitions and pure functions only. Every
// other internal package imports model; model imports nothing internal.
//
// All JSON tags use snake_case.
package model
