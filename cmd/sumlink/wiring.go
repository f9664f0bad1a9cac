package main

import (
	"fmt"
	"time"

	"sumlink/ads"
	"sumlink/api"
	"sumlink/config"
	"sumlink/kafka"
	"sumlink/mqtt"
	"sumlink/namespace"
	"sumlink/poller"
	"sumlink/sumread"
	"sumlink/valkey"
)

// pollerConfig maps the device and poll sections onto the poller. It also
// returns the local AMS net ID for the dialer.
func pollerConfig(cfg *config.Config) (poller.Config, ads.AmsNetId, error) {
	remote, local, err := cfg.Device.NetIDs()
	if err != nil {
		return poller.Config{}, local, err
	}
	return poller.Config{
		Name:             cfg.Device.Name,
		Address:          cfg.Device.Address,
		NetID:            remote,
		DevicePort:       cfg.Device.DevicePort,
		MaxPerBuffer:     cfg.Device.SumBufferNElem,
		SumReadPeriod:    cfg.Poll.SumReadPeriod,
		DeviceInfoPeriod: cfg.Poll.DeviceInfoPeriod,
		ReconnectDelay:   cfg.Poll.ReconnectDelay,
	}, local, nil
}

// kafkaConfigs converts the configured clusters. Clusters without a topic
// publish to {namespace}-changes.
func kafkaConfigs(cfg *config.Config) []kafka.Config {
	out := make([]kafka.Config, 0, len(cfg.Kafka))
	for _, kc := range cfg.Kafka {
		topic := kc.Topic
		if topic == "" {
			topic = namespace.New(cfg.Namespace, cfg.Device.Name).KafkaChangesTopic()
		}
		out = append(out, kafka.Config{
			Name:             kc.Name,
			Enabled:          kc.Enabled,
			Brokers:          kc.Brokers,
			UseTLS:           kc.UseTLS,
			TLSSkipVerify:    kc.TLSSkipVerify,
			SASLMechanism:    kafka.SASLMechanism(kc.SASLMechanism),
			Username:         kc.Username,
			Password:         kc.Password,
			RequiredAcks:     kc.RequiredAcks,
			MaxRetries:       kc.MaxRetries,
			RetryBackoff:     kc.RetryBackoff,
			AutoCreateTopics: kc.AutoCreateTopics == nil || *kc.AutoCreateTopics,
			Topic:            topic,
		})
	}
	return out
}

// writableFunc reports whether a variable accepts writes.
func writableFunc(p *poller.Poller) func(device, variable string) bool {
	return func(device, variable string) bool {
		if device != p.Name() {
			return false
		}
		v, ok := p.Variable(variable)
		return ok && v.Addr.Op == sumread.OpWrite
	}
}

func kafkaChanges(changes []poller.ValueChange, writable func(device, variable string) bool) []kafka.Change {
	out := make([]kafka.Change, len(changes))
	for i, c := range changes {
		out[i] = kafka.Change{
			Variable:  c.Name,
			Type:      c.TypeName,
			Value:     c.Value,
			Writable:  writable(c.Device, c.Name),
			Timestamp: c.Timestamp,
		}
	}
	return out
}

// setupValueChangeHandlers fans every batch of changes out to the API
// streams and the running publishers.
func setupValueChangeHandlers(p *poller.Poller, apiServer *api.Server, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	writable := writableFunc(p)

	p.SetOnValueChange(func(changes []poller.ValueChange) {
		if apiServer != nil {
			apiServer.Publish(changes)
		}

		if mqttMgr.AnyRunning() {
			for _, c := range changes {
				mqttMgr.Publish(c.Device, c.Name, c.TypeName, c.Value, false)
			}
		}
		if valkeyMgr.AnyRunning() {
			for _, c := range changes {
				valkeyMgr.Publish(c.Name, c.TypeName, c.Value, writable(c.Device, c.Name))
			}
		}
		if kafkaMgr.AnyPublishing() {
			kafkaMgr.Publish(p.Name(), kafkaChanges(changes, writable), false)
		}
	})
}

// setupWriteHandlers routes MQTT and Valkey write requests to the poller.
func setupWriteHandlers(p *poller.Poller, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager) {
	writeHandler := func(device, variable string, value interface{}) error {
		if device != p.Name() {
			return fmt.Errorf("unknown device: %s", device)
		}
		result, err := p.Write(variable, value)
		if err != nil {
			return err
		}
		return result.Status
	}
	writeValidator := writableFunc(p)

	mqttMgr.SetWriteHandler(writeHandler)
	mqttMgr.SetWriteValidator(writeValidator)
	valkeyMgr.SetWriteHandler(writeHandler)
	valkeyMgr.SetWriteValidator(writeValidator)
}

// forcePublishAll republishes every current value, used after a publisher
// (re)connects.
func forcePublishAll(p *poller.Poller, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	values := p.CurrentValues()
	writable := writableFunc(p)
	for _, v := range values {
		mqttMgr.Publish(v.Device, v.Name, v.TypeName, v.Value, true)
		valkeyMgr.Publish(v.Name, v.TypeName, v.Value, writable(v.Device, v.Name))
	}
	kafkaMgr.Publish(p.Name(), kafkaChanges(values, writable), true)
}

// publishHealthLoop publishes device health every interval until stop closes.
func publishHealthLoop(p *poller.Poller, interval time.Duration, apiServer *api.Server, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-time.After(2 * time.Second):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publishHealth(p.Snapshot(), apiServer, valkeyMgr, kafkaMgr)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			publishHealth(p.Snapshot(), apiServer, valkeyMgr, kafkaMgr)
		}
	}
}

func publishHealth(snap poller.Snapshot, apiServer *api.Server, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	online, status, errMsg := healthFields(snap)
	valkeyMgr.PublishHealth(online, status, errMsg)
	kafkaMgr.PublishHealth(snap.Name, online, status, errMsg)
	if apiServer != nil {
		apiServer.PublishHealth(snap)
	}
}

func healthFields(snap poller.Snapshot) (online bool, status, errMsg string) {
	if snap.LastError != nil {
		errMsg = snap.LastError.Error()
	}
	return snap.Status == poller.StatusConnected, snap.Status.String(), errMsg
}
