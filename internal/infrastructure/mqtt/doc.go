// Package mqtt connects a lab to its MQTT broker.
//
// MQTT links the hub to instruments whose drivers run elsewhere on the
// network, carries remote sensor readings consumed by watchdogs, and
// mirrors hub events to remote viewers:
//
//	labhub ↔ broker ↔ remote drivers / sensors / viewers
//
// The client announces the lab on labhub/system/{lab}/status. A retained
// "online" presence is published on every (re)connect, "offline" on Close,
// and the broker publishes the will ("offline", unexpected_disconnect)
// if the process dies.
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Lab.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllSensors("bench"), 1,
//	    func(topic string, payload []byte) error {
//	        return cache.Store(topic, payload)
//	    })
package mqtt
