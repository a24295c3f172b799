package reconcile

import (
	"math"
	"sort"
	"time"

	"quilt-bridge/internal/hds"
)

// Louver mode names exposed on the select entity.
const (
	LouverAuto   = "Auto"
	LouverSweep  = "Sweep"
	LouverClosed = "Closed"
	LouverFixed  = "Fixed"
)

// HVACModeString maps the cloud HVAC mode enum onto Home Assistant climate
// modes.
func HVACModeString(mode int) string {
	switch mode {
	case hds.HVACModeStandby, hds.HVACModeFallbackOff:
		return "off"
	case hds.HVACModeCool:
		return "cool"
	case hds.HVACModeHeat:
		return "heat"
	case hds.HVACModeAutomatic, hds.HVACModeFallbackAuto:
		return "heat_cool"
	case hds.HVACModeFan:
		return "fan_only"
	}
	return ""
}

// HVACModeValue is the reverse of HVACModeString.
func HVACModeValue(mode string) (int, bool) {
	switch mode {
	case "off":
		return hds.HVACModeStandby, true
	case "cool":
		return hds.HVACModeCool, true
	case "heat":
		return hds.HVACModeHeat, true
	case "heat_cool", "auto":
		return hds.HVACModeAutomatic, true
	case "fan_only":
		return hds.HVACModeFan, true
	}
	return 0, false
}

// HVACActionString maps the reported HVAC state onto climate actions.
func HVACActionString(state int) string {
	switch state {
	case hds.HVACStateCool, hds.HVACStateCoolPreparing:
		return "cooling"
	case hds.HVACStateHeat, hds.HVACStateHeatPreparing:
		return "heating"
	case hds.HVACStateFan:
		return "fan"
	}
	return "idle"
}

// FanModeString maps the fan speed mode enum onto the fan entity preset.
func FanModeString(mode int) string {
	switch mode {
	case hds.FanSpeedModeAuto:
		return "auto"
	case hds.FanSpeedModeSetpoint:
		return "manual"
	}
	return ""
}

// LouverModeString maps the louver mode enum onto select options.
func LouverModeString(mode int) string {
	switch mode {
	case hds.LouverModeAutomatic:
		return LouverAuto
	case hds.LouverModeSweep:
		return LouverSweep
	case hds.LouverModeClosed:
		return LouverClosed
	case hds.LouverModeFixed:
		return LouverFixed
	}
	return ""
}

// LouverModeValue is the reverse of LouverModeString.
func LouverModeValue(name string) (int, bool) {
	switch name {
	case LouverAuto:
		return hds.LouverModeAutomatic, true
	case LouverSweep:
		return hds.LouverModeSweep, true
	case LouverClosed:
		return hds.LouverModeClosed, true
	case LouverFixed:
		return hds.LouverModeFixed, true
	}
	return 0, false
}

// LightEffectString maps the light animation enum onto effect names.
func LightEffectString(anim int) string {
	switch anim {
	case hds.LightAnimationNone:
		return "None"
	case hds.LightAnimationSparkleFade:
		return "Sparkle Fade"
	case hds.LightAnimationTwinkleFade:
		return "Twinkle Fade"
	case hds.LightAnimationDance:
		return "Dance"
	case hds.LightAnimationChase:
		return "Chase"
	}
	return ""
}

// LightEffectValue is the reverse of LightEffectString.
func LightEffectValue(name string) (int, bool) {
	switch name {
	case "None":
		return hds.LightAnimationNone, true
	case "Sparkle Fade":
		return hds.LightAnimationSparkleFade, true
	case "Twinkle Fade":
		return hds.LightAnimationTwinkleFade, true
	case "Dance":
		return hds.LightAnimationDance, true
	case "Chase":
		return hds.LightAnimationChase, true
	}
	return 0, false
}

// FromSnapshot converts a full datastore snapshot into per-space updates.
// Space-level and indoor-unit fields carry different device timestamps, so
// each space yields up to two updates. fetchedAt is the fallback timestamp
// for objects that never report one.
func FromSnapshot(sys *hds.System, source string, fetchedAt time.Time) []SpaceUpdate {
	ids := make([]string, 0, len(sys.Spaces))
	for id := range sys.Spaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var updates []SpaceUpdate
	for _, id := range ids {
		space := sys.Spaces[id]

		fields := map[string]any{}
		if space.Settings.Name != "" {
			fields[FieldName] = space.Settings.Name
		}
		if space.Controls.HVACMode != nil {
			fields[FieldHVACMode] = HVACModeString(*space.Controls.HVACMode)
		}
		if space.Controls.SetpointC != nil {
			fields[FieldTargetTemperature] = round1(*space.Controls.SetpointC)
		}
		if space.Controls.CoolingSetpointC != nil {
			fields[FieldTargetTempHigh] = round1(*space.Controls.CoolingSetpointC)
		}
		if space.Controls.HeatingSetpointC != nil {
			fields[FieldTargetTempLow] = round1(*space.Controls.HeatingSetpointC)
		}
		if space.State.AmbientC != nil {
			fields[FieldCurrentTemperature] = round1(*space.State.AmbientC)
		}
		if space.State.HVACState != nil {
			fields[FieldHVACAction] = HVACActionString(*space.State.HVACState)
		}
		if space.Controls.ComfortSettingID != "" {
			fields[FieldComfortSetting] = space.Controls.ComfortSettingID
		}

		ts := latestTimestamp(fetchedAt, space.Header.Updated, space.Controls.Updated, space.State.Updated)
		updates = append(updates, SpaceUpdate{
			SpaceID:   id,
			SystemID:  sys.SystemID,
			Source:    source,
			Timestamp: ts,
			Fields:    fields,
		})

		iu := firstIndoorUnit(sys, id)
		if iu == nil {
			continue
		}
		iuFields := map[string]any{}
		if iu.Controls.FanSpeedMode != nil {
			iuFields[FieldFanMode] = FanModeString(*iu.Controls.FanSpeedMode)
		}
		if iu.Controls.FanSpeedPercent != nil {
			iuFields[FieldFanPercent] = toPercent(*iu.Controls.FanSpeedPercent)
		}
		if iu.Controls.LightBrightness != nil {
			iuFields[FieldLightBrightness] = toPercent(*iu.Controls.LightBrightness)
		}
		if iu.Controls.LightAnimation != nil {
			iuFields[FieldLightEffect] = LightEffectString(*iu.Controls.LightAnimation)
		}
		if iu.Controls.LouverMode != nil {
			iuFields[FieldLouverMode] = LouverModeString(*iu.Controls.LouverMode)
		}
		if iu.Controls.LouverPosition != nil {
			iuFields[FieldLouverPosition] = toPercent(*iu.Controls.LouverPosition)
		}
		if len(iuFields) == 0 {
			continue
		}

		iuTS := latestTimestamp(fetchedAt, iu.Header.Updated, iu.Controls.Updated)
		updates = append(updates, SpaceUpdate{
			SpaceID:   id,
			SystemID:  sys.SystemID,
			Source:    source,
			Timestamp: iuTS,
			Fields:    iuFields,
		})
	}
	return updates
}

// firstIndoorUnit returns the space's indoor unit with the lowest id. Spaces
// with several units mirror the controls across them.
func firstIndoorUnit(sys *hds.System, spaceID string) *hds.IndoorUnit {
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

func latestTimestamp(fallback time.Time, stamps ...*hds.Timestamp) time.Time {
	var latest time.Time
	for _, ts := range stamps {
		if ts == nil {
			continue
		}
		if t := ts.Time(); t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return fallback
	}
	return latest
}

func toPercent(v float64) int {
	return int(math.Round(v * 100))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
