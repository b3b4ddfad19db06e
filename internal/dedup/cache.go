// Package dedup remembers recently published mutation ids so a mutation is
// applied and broadcast at most once while its id stays in the window.
//
// The window is bounded: once capacity is reached the least recently used id
// is evicted, and an evicted id is indistinguishable from one never seen.
package dedup

import "context"

const DefaultCapacity = 10000

type Cache interface {
	// Seen reports whether id is currently tracked.
	Seen(ctx context.Context, id string) (bool, error)
	// Record starts tracking id, evicting the least recently used id when full.
	Record(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
