//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"quilt-bridge/internal/hds"
	"quilt-bridge/internal/notifier"
	"quilt-bridge/internal/reconcile"
)

// ErrCommandRejected means a command could not be applied and no state was
// changed: the cloud is unreachable, the space is unknown, or the command
// targets hardware the space does not have.
var ErrCommandRejected = errors.New("command rejected")

// CloudClient is the subset of the API client commands are sent through.
type CloudClient interface {
	UpdateSpace(ctx context.Context, space *hds.Space, upd hds.SpaceControlsUpdate) error
	UpdateIndoorUnit(ctx context.Context, iu *hds.IndoorUnit, upd hds.IndoorUnitControlsUpdate) error
	UpdateComfortSetting(ctx context.Context, cs *hds.ComfortSetting, upd hds.ComfortSettingUpdate) error
}

// Commander translates JSON command payloads into cloud updates. Every
// command path validates against the latest snapshot first so a rejected
// command never mutates anything.
type Commander struct {
	cloud       CloudClient
	snapshot    func(systemID string) *hds.System
	spaceSystem func(spaceID string) (string, bool)
	connState   func(systemID string) notifier.State
	log         *slog.Logger
}

// NewCommander wires a commander. spaceSystem resolves a space to its owning
// system; connState reports the push channel health for a system.
func NewCommander(
	cloud CloudClient,
	snapshot func(systemID string) *hds.System,
	spaceSystem func(spaceID string) (string, bool),
	connState func(systemID string) notifier.State,
	log *slog.Logger,
) *Commander {
	if log == nil {
		log = slog.Default()
	}
	return &Commander{
		cloud:       cloud,
		snapshot:    snapshot,
		spaceSystem: spaceSystem,
		connState:   connState,
		log:         log,
	}
}

// Handle applies one JSON command payload to a space.
func (c *Commander) Handle(ctx context.Context, spaceID string, payload []byte) error {
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrCommandRejected, err)
	}

	systemID, ok := c.spaceSystem(spaceID)
	if !ok {
		return fmt.Errorf("%w: unknown space %s", ErrCommandRejected, spaceID)
	}
	if c.connState(systemID) == notifier.StateDisconnected {
		return fmt.Errorf("%w: system %s is disconnected", ErrCommandRejected, systemID)
	}
	sys := c.snapshot(systemID)
	if sys == nil {
		return fmt.Errorf("%w: no snapshot for system %s", ErrCommandRejected, systemID)
	}
	space, ok := sys.Spaces[spaceID]
	if !ok {
		return fmt.Errorf("%w: space %s missing from snapshot", ErrCommandRejected, spaceID)
	}

	handled := false
	if hasAny(cmd, "hvac_mode", "target_temperature", "target_temperature_high", "target_temperature_low") {
		if err := c.handleClimate(ctx, space, cmd); err != nil {
			return err
		}
		handled = true
	}
	if hasAny(cmd, "fan_mode", "fan_percent") {
		if err := c.handleFan(ctx, sys, spaceID, cmd); err != nil {
			return err
		}
		handled = true
	}
	if hasAny(cmd, "light_brightness", "light_effect", "louver_mode", "louver_position") {
		if err := c.handleIndoorUnit(ctx, sys, spaceID, cmd); err != nil {
			return err
		}
		handled = true
	}
	if !handled {
		return fmt.Errorf("%w: no recognized command fields", ErrCommandRejected)
	}
	return nil
}

// handleClimate maps mode and setpoint commands onto a space controls
// update. Fields not present in the command carry the current values, since
// the cloud treats the controls message as a full replacement.
func (c *Commander) handleClimate(ctx context.Context, space *hds.Space, cmd map[string]any) error {
	cur := space.Controls
	upd := hds.SpaceControlsUpdate{
		ComfortSettingID: cur.ComfortSettingID,
	}
	if cur.HVACMode != nil {
		upd.HVACMode = *cur.HVACMode
	}
	if cur.SetpointC != nil {
		upd.SetpointC = *cur.SetpointC
	}
	if cur.HeatingSetpointC != nil {
		upd.HeatingSetpointC = *cur.HeatingSetpointC
	}
	if cur.CoolingSetpointC != nil {
		upd.CoolingSetpointC = *cur.CoolingSetpointC
	}

	if mode, ok := cmd["hvac_mode"].(string); ok {
		v, ok := reconcile.HVACModeValue(mode)
		if !ok {
			return fmt.Errorf("%w: unknown hvac_mode %q", ErrCommandRejected, mode)
		}
		upd.HVACMode = v
	}
	if v, ok := toFloat64(cmd["target_temperature"]); ok {
		upd.SetpointC = clampSetpoint(v)
	}
	if v, ok := toFloat64(cmd["target_temperature_high"]); ok {
		upd.CoolingSetpointC = clampSetpoint(v)
	}
	if v, ok := toFloat64(cmd["target_temperature_low"]); ok {
		upd.HeatingSetpointC = clampSetpoint(v)
	}

	if err := c.cloud.UpdateSpace(ctx, space, upd); err != nil {
		return fmt.Errorf("update space %s: %w", space.Header.ID, err)
	}
	return nil
}

// handleFan routes fan commands through the space's active comfort setting,
// which owns the fan configuration.
func (c *Commander) handleFan(ctx context.Context, sys *hds.System, spaceID string, cmd map[string]any) error {
	cs := sys.ActiveComfortSetting(spaceID)
	if cs == nil {
		return fmt.Errorf("%w: space %s has no comfort setting for fan control", ErrCommandRejected, spaceID)
	}

	upd := hds.ComfortSettingUpdate{}
	if cs.Attributes.HeatingSetpointC != nil {
		upd.HeatingSetpointC = *cs.Attributes.HeatingSetpointC
	}
	if cs.Attributes.CoolingSetpointC != nil {
		upd.CoolingSetpointC = *cs.Attributes.CoolingSetpointC
	}

	if mode, ok := cmd["fan_mode"].(string); ok {
		switch mode {
		case "auto":
			m := hds.FanSpeedModeAuto
			upd.FanSpeedMode = &m
		case "manual":
			m := hds.FanSpeedModeSetpoint
			upd.FanSpeedMode = &m
		default:
			return fmt.Errorf("%w: unknown fan_mode %q", ErrCommandRejected, mode)
		}
	}
	if v, ok := toFloat64(cmd["fan_percent"]); ok {
		pct := nearestFanStep(v) / 100
		upd.FanSpeedPercent = &pct
		// Setting an explicit speed implies manual mode.
		if upd.FanSpeedMode == nil {
			m := hds.FanSpeedModeSetpoint
			upd.FanSpeedMode = &m
		}
	}

	if err := c.cloud.UpdateComfortSetting(ctx, cs, upd); err != nil {
		return fmt.Errorf("update comfort setting %s: %w", cs.Header.ID, err)
	}
	return nil
}

// handleIndoorUnit routes dial light and louver commands to the space's
// indoor unit.
func (c *Commander) handleIndoorUnit(ctx context.Context, sys *hds.System, spaceID string, cmd map[string]any) error {
	iu := primaryIndoorUnit(sys, spaceID)
	if iu == nil {
		return fmt.Errorf("%w: space %s has no indoor unit", ErrCommandRejected, spaceID)
	}

	upd := hds.IndoorUnitControlsUpdate{}
	if v, ok := toFloat64(cmd["light_brightness"]); ok {
		b := clamp01(v / 100)
		upd.LightBrightness = &b
	}
	if effect, ok := cmd["light_effect"].(string); ok {
		v, ok := reconcile.LightEffectValue(effect)
		if !ok {
			return fmt.Errorf("%w: unknown light_effect %q", ErrCommandRejected, effect)
		}
		upd.LightAnimation = &v
	}
	if mode, ok := cmd["louver_mode"].(string); ok {
		v, ok := reconcile.LouverModeValue(mode)
		if !ok {
			return fmt.Errorf("%w: unknown louver_mode %q", ErrCommandRejected, mode)
		}
		upd.LouverMode = &v
	}
	if v, ok := toFloat64(cmd["louver_position"]); ok {
		p := clamp01(v / 100)
		upd.LouverPosition = &p
	}

	if err := c.cloud.UpdateIndoorUnit(ctx, iu, upd); err != nil {
		return fmt.Errorf("update indoor unit %s: %w", iu.Header.ID, err)
	}
	return nil
}

// primaryIndoorUnit returns the space's indoor unit with the lowest id.
func primaryIndoorUnit(sys *hds.System, spaceID string) *hds.IndoorUnit {
	units := sys.IndoorUnitsBySpace[spaceID]
	if len(units) == 0 {
		return nil
	}
	first := units[0]
	for _, iu := range units[1:] {
		if iu.Header.ID < first.Header.ID {
			first = iu
		}
	}
	return first
}

func hasAny(cmd map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := cmd[k]; ok {
			return true
		}
	}
	return false
}

// Fan speed snaps to the steps the hardware supports.
var fanSteps = []float64{20, 40, 60, 80, 100}

func nearestFanStep(pct float64) float64 {
	best := fanSteps[0]
	for _, s := range fanSteps[1:] {
		if abs(pct-s) < abs(pct-best) {
			best = s
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSetpoint(v float64) float64 {
	if v < minSetpointC {
		return minSetpointC
	}
	if v > maxSetpointC {
		return maxSetpointC
	}
	return v
}
