// Package ledger is a reference canonical state store for orders, payments
// and inventory.
//
// Ledger implements the engine's Applier and StateReader so operations can
// be replayed end to end against real state. Each applied effect is recorded
// once per operation id; the applied_effects table is what tests and the
// scenario harness inspect to prove an effect was applied at most once.
//
// Business-rule violations (refunding an uncaptured payment, driving stock
// negative) are permanent failures. A payment captured against an order
// that has not arrived yet is transient, since terminals upload out of
// order.
package ledger
