// Package sequencer plays periodic waveforms on a hub.
//
// Each knob waveform is a list of (fraction of cycle, value) points.
// Prepare merges all waveforms into one timeline of (delay, state) steps
// whose delays sum to the cycle time. While running, a loop task walks
// the timeline and publishes each step as the target state, and a sync
// task actuates whatever part of the live state differs from the target.
//
// Lifecycle:
//
//	Idle --Prepare--> Armed --Start/RunOnce--> Running --Stop--> Idle
//
// Timing is best effort. The loop schedules against absolute deadlines
// so that sleep overshoot does not accumulate, and reports lateness as a
// metric, but nothing here is real-time.
package sequencer
