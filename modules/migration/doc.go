// Package migration moves messages between channels.
//
// A run resolves the destination, validates permissions in both channels,
// assembles the target set, gathers consent from the other authors, replays
// every message through the destination webhook and finally deletes the
// originals. Upstream failures stop the run where they happen; work already
// done is reported, never rolled back.
package migration
