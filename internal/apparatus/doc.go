// Package apparatus loads the YAML definition of a hub and builds it.
//
// A definition names the things of one apparatus with their driver and
// knobs, plus the waveforms, watchdogs, experiments and helper processes
// that go with them:
//
//	hub: bench
//	things:
//	  - name: laser
//	    driver: virtual
//	    knobs:
//	      - {name: power, display_name: "Power (W)", min: 0, max: 5, initial: 0}
//	      - {name: shutter, initial: false}
//	watchdogs:
//	  - {name: lock, channel: photodiode, threshold: 0.5, below: true, sensor: mqtt}
//	experiments:
//	  - {name: coupling, kind: sensor, channel: photodiode, maximize: true}
//
// Load parses and validates a file; Build turns the definition into a
// live *hub.Hub.
package apparatus
