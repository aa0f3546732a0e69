// Package hub implements the actuation graph of an apparatus.
//
// A Hub owns Things; a Thing owns Knobs and a driver binding. State flows
// down through Hub.Actuate and Thing.Actuate to the drivers and, on
// success, back up through Thing.Update so that knob values, thing state
// and hub state stay consistent. Every node keeps a bounded undo/redo
// history whose replays go through the same actuation path.
//
// Beyond the graph, a Hub composes the pieces that act on it:
//
//   - a task.Runner owning every background task it starts
//   - watchdogs gating risky actuation (CheckLock)
//   - a sequencer playing per-knob waveforms
//   - optimization sessions run by Optimize
//   - snapshot persistence through a SnapshotStore
//
// # Concurrency
//
// State maps are guarded by mutexes, so concurrent readers and writers do
// not corrupt them. Actuations are not serialized against each other:
// two callers actuating the same knob race at the driver, and the later
// update wins. Multi-thing actuation is not atomic unless
// Options.AtomicActuation (or ActuateAtomic) is used.
package hub
