// Package influxdb writes labhub telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 non-blocking write API.
// Points are batched according to the influxdb section of the config
// (batch_size, flush_interval) and write errors arrive asynchronously
// through the SetOnError callback.
//
// Three measurements are written:
//
//	knob      tags hub, thing, knob          field value
//	sampler   tags hub, experiment, run      fields cost and one per varied knob
//	watchdog  tags hub, watchdog             fields value, locked
//
// The Client is also a telemetry broadcaster, so wiring it into a hub's
// broadcaster chain is enough to record every actuation, sampler point
// and watchdog transition.
package influxdb
