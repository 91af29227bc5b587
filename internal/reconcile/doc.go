// Package reconcile records sends whose outcome could not be committed to the
// work-item store, and lets operators and the consumer read them back.
//
// A record means "this item may already be visible in the destination chat":
// nothing in signalbot resends an item that has one.
package reconcile
