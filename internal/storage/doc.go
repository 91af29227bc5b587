// Package storage is the shared work-item store.
//
// It holds:
//   - work items and their lifecycle status (claimed by compare-and-set)
//   - the per-category cadence ledger
//   - the delivery failure log read by operator tooling
package storage
