package reconcile

import (
	"testing"
	"time"

	"quilt-bridge/internal/hds"
)

func intp(v int) *int             { return &v }
func floatp(v float64) *float64   { return &v }
func tsp(sec int64) *hds.Timestamp { return &hds.Timestamp{Seconds: sec} }

func TestFromSnapshot(t *testing.T) {
	sys := &hds.System{
		SystemID: "sys-1",
		Spaces: map[string]*hds.Space{
			"space-a": {
				Header:   hds.Header{ID: "space-a", System: "sys-1", Updated: tsp(1000)},
				Settings: hds.SpaceSettings{Name: "Living Room"},
				Controls: hds.SpaceControls{
					HVACMode:         intp(hds.HVACModeHeat),
					SetpointC:        floatp(21.456),
					CoolingSetpointC: floatp(25),
					HeatingSetpointC: floatp(20),
					Updated:          tsp(2000),
					ComfortSettingID: "cs-1",
				},
				State: hds.SpaceState{
					AmbientC:  floatp(19.94),
					HVACState: intp(hds.HVACStateHeatPreparing),
					Updated:   tsp(1500),
				},
			},
		},
		IndoorUnitsBySpace: map[string][]*hds.IndoorUnit{
			"space-a": {{
				Header:  hds.Header{ID: "iu-1", System: "sys-1"},
				SpaceID: "space-a",
				Controls: hds.IndoorUnitControls{
					Updated:         tsp(1800),
					FanSpeedMode:    intp(hds.FanSpeedModeSetpoint),
					FanSpeedPercent: floatp(0.6),
					LightBrightness: floatp(0.45),
					LightAnimation:  intp(hds.LightAnimationSparkleFade),
					LouverMode:      intp(hds.LouverModeSweep),
					LouverPosition:  floatp(0.25),
				},
			}},
		},
	}

	fetched := time.Unix(9000, 0)
	updates := FromSnapshot(sys, SourcePoll, fetched)
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2 (space + indoor unit)", len(updates))
	}

	sp := updates[0]
	if sp.SpaceID != "space-a" || sp.SystemID != "sys-1" || sp.Source != SourcePoll {
		t.Errorf("space update = %+v", sp)
	}
	// Latest of header/controls/state timestamps wins.
	if !sp.Timestamp.Equal(time.Unix(2000, 0)) {
		t.Errorf("space ts = %v, want controls updated", sp.Timestamp)
	}
	if sp.Fields[FieldName] != "Living Room" {
		t.Errorf("name = %v", sp.Fields[FieldName])
	}
	if sp.Fields[FieldHVACMode] != "heat" {
		t.Errorf("hvac_mode = %v", sp.Fields[FieldHVACMode])
	}
	if sp.Fields[FieldHVACAction] != "heating" {
		t.Errorf("hvac_action = %v, want preparing mapped to heating", sp.Fields[FieldHVACAction])
	}
	if sp.Fields[FieldTargetTemperature] != 21.5 {
		t.Errorf("target = %v, want rounded to 0.1", sp.Fields[FieldTargetTemperature])
	}
	if sp.Fields[FieldCurrentTemperature] != 19.9 {
		t.Errorf("current = %v", sp.Fields[FieldCurrentTemperature])
	}
	if sp.Fields[FieldComfortSetting] != "cs-1" {
		t.Errorf("comfort setting = %v", sp.Fields[FieldComfortSetting])
	}

	iu := updates[1]
	if !iu.Timestamp.Equal(time.Unix(1800, 0)) {
		t.Errorf("iu ts = %v", iu.Timestamp)
	}
	if iu.Fields[FieldFanMode] != "manual" {
		t.Errorf("fan_mode = %v", iu.Fields[FieldFanMode])
	}
	if iu.Fields[FieldFanPercent] != 60 {
		t.Errorf("fan_percent = %v", iu.Fields[FieldFanPercent])
	}
	if iu.Fields[FieldLightBrightness] != 45 {
		t.Errorf("light_brightness = %v", iu.Fields[FieldLightBrightness])
	}
	if iu.Fields[FieldLightEffect] != "Sparkle Fade" {
		t.Errorf("light_effect = %v", iu.Fields[FieldLightEffect])
	}
	if iu.Fields[FieldLouverMode] != LouverSweep {
		t.Errorf("louver_mode = %v", iu.Fields[FieldLouverMode])
	}
	if iu.Fields[FieldLouverPosition] != 25 {
		t.Errorf("louver_position = %v", iu.Fields[FieldLouverPosition])
	}
}

func TestFromSnapshotFallbackTimestamp(t *testing.T) {
	sys := &hds.System{
		SystemID: "sys-1",
		Spaces: map[string]*hds.Space{
			"space-a": {Header: hds.Header{ID: "space-a"}},
		},
	}

	fetched := time.Unix(9000, 0)
	updates := FromSnapshot(sys, SourcePush, fetched)
	if len(updates) != 1 {
		t.Fatalf("got %d updates", len(updates))
	}
	if !updates[0].Timestamp.Equal(fetched) {
		t.Errorf("ts = %v, want fetch time fallback", updates[0].Timestamp)
	}
}

func TestHVACModeRoundTrip(t *testing.T) {
	for _, mode := range []int{
		hds.HVACModeStandby, hds.HVACModeCool, hds.HVACModeHeat,
		hds.HVACModeAutomatic, hds.HVACModeFan,
	} {
		name := HVACModeString(mode)
		if name == "" {
			t.Errorf("mode %d has no name", mode)
			continue
		}
		got, ok := HVACModeValue(name)
		if !ok {
			t.Errorf("%q has no value", name)
			continue
		}
		// Fallback modes collapse onto their plain equivalents.
		if HVACModeString(got) != name {
			t.Errorf("round trip %d -> %q -> %d", mode, name, got)
		}
	}
}

func TestLouverModeRoundTrip(t *testing.T) {
	for _, mode := range []int{
		hds.LouverModeAutomatic, hds.LouverModeSweep,
		hds.LouverModeClosed, hds.LouverModeFixed,
	} {
		name := LouverModeString(mode)
		got, ok := LouverModeValue(name)
		if !ok || got != mode {
			t.Errorf("round trip %d -> %q -> %d (%v)", mode, name, got, ok)
		}
	}
}
