// Package eventsync applies the platform event stream to the shared message
// and webhook caches.
//
// Events are routed to a fixed set of shard workers by channel id, so every
// channel sees its events in arrival order while unrelated channels proceed in
// parallel.
package eventsync
