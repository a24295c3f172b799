//go:build no_mqtt

package main

import (
	"log/slog"

	"quilt-bridge/internal/api"
	"quilt-bridge/internal/reconcile"
	"quilt-bridge/internal/syncer"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *Config, _ *api.Client, _ *reconcile.Reconciler, _ *reconcile.EventBus, _ *syncer.Syncer, _ *connStates, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
