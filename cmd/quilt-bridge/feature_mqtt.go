//go:build !no_mqtt

package main

import (
	"log/slog"

	"quilt-bridge/internal/api"
	mqttbridge "quilt-bridge/internal/mqtt"
	"quilt-bridge/internal/notifier"
	"quilt-bridge/internal/reconcile"
	"quilt-bridge/internal/syncer"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(cfg *Config, client *api.Client, rec *reconcile.Reconciler, bus *reconcile.EventBus, syn *syncer.Syncer, states *connStates, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}

	commander := mqttbridge.NewCommander(client, syn.Snapshot,
		func(spaceID string) (string, bool) {
			sp, ok := rec.Space(spaceID)
			if !ok {
				return "", false
			}
			return sp.SystemID, true
		},
		func(systemID string) notifier.State { return states.get(systemID) },
		logger)

	bridge, err := mqttbridge.NewBridge(rec, commander, mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start(bus)
	return &mqttStopper{bridge: bridge}
}
