// Package workitem defines the outbound content model shared by producers,
// storage backends and the consumer loop.
package workitem
