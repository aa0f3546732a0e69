// Package store persists hub snapshots, sampler runs and knob state
// history.
//
// Snapshot backends share one contract: SaveSnapshot replaces whatever
// was stored for a hub, LoadSnapshot returns ErrNotFound when nothing
// was. Three backends are provided:
//
//   - SQLite, in the hub_snapshots table of the labhub database
//   - Redis, CBOR-encoded under a key prefix with an optional TTL
//   - a directory of JSON documents, one file per hub
//
// The SQLite database also carries the sampler run repository (a
// sampler.Recorder) and the state history sink (a telemetry
// broadcaster fed by hub actuate, undo, redo and load events).
package store
