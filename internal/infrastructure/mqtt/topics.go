package mqtt

import "fmt"

// Topic prefixes for labhub MQTT traffic.
//
// All hub topics use the scheme: labhub/{category}/{hub}/{subject}
const (
	// TopicPrefix is the base for all labhub topics.
	TopicPrefix = "labhub"

	// TopicPrefixSystem is the base for lab presence topics.
	TopicPrefixSystem = "labhub/system"
)

// Topics provides builders for labhub MQTT topics.
// Using these helpers keeps topic naming consistent across drivers,
// telemetry sinks and sensors.
//
//	topics := mqtt.Topics{}
//	cmd := topics.Command("bench", "laser")
//	// Returns: "labhub/command/bench/laser"
type Topics struct{}

// Command returns the topic a thing's driver listens on for actuation.
//
// Example: labhub/command/bench/laser
func (Topics) Command(hub, thing string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, hub, thing)
}

// Ack returns the topic a remote driver acknowledges commands on.
//
// Example: labhub/ack/bench/laser
func (Topics) Ack(hub, thing string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, hub, thing)
}

// State returns the retained state topic of a thing.
//
// Example: labhub/state/bench/laser
func (Topics) State(hub, thing string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, hub, thing)
}

// Event returns the topic for hub events (actuate, timestep, ...).
// Spaces in event names are replaced so the topic stays one level.
//
// Example: labhub/event/bench/sequence_update
func (Topics) Event(hub, event string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, hub, topicLevel(event))
}

// Sensor returns the topic a monitored signal is published on.
//
// Example: labhub/sensor/bench/photodiode
func (Topics) Sensor(hub, channel string) string {
	return fmt.Sprintf("%s/sensor/%s/%s", TopicPrefix, hub, channel)
}

// Status returns the retained presence topic of a lab.
//
// Example: labhub/system/lab-001/status
func (Topics) Status(lab string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixSystem, topicLevel(lab))
}

// AllEvents returns a pattern matching every event of a hub.
//
// Pattern: labhub/event/bench/+
func (Topics) AllEvents(hub string) string {
	return fmt.Sprintf("%s/event/%s/+", TopicPrefix, hub)
}

// AllSensors returns a pattern matching every sensor of a hub.
//
// Pattern: labhub/sensor/bench/+
func (Topics) AllSensors(hub string) string {
	return fmt.Sprintf("%s/sensor/%s/+", TopicPrefix, hub)
}

func topicLevel(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch c {
		case ' ', '/', '+', '#':
			out[i] = '_'
		}
	}
	return string(out)
}
