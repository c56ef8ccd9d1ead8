// Package events defines the gateway's event envelope and the Broadcaster
// that fans events out to subscribers.
//
// Every subscriber owns an unbounded Queue drained by its own goroutine, so
// Publish never waits on a reader. A subscriber that lets more than the
// configured number of events pile up is evicted and its channel closed;
// events are never silently skipped for a subscriber that stays connected.
//
//	sub := b.Subscribe(ctx)
//	defer sub.Close()
//	for evt := range sub.C() {
//		// first evt is always a status snapshot
//	}
package events
