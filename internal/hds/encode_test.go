package hds

import (
	"testing"
	"time"

	"quilt-bridge/internal/protowire"
)

func TestEncodeSpaceUpdateRoundTrip(t *testing.T) {
	created := Timestamp{Seconds: 1690000000}
	space := &Space{Header: Header{ID: "space-a", System: "sys-1", Created: &created}}

	override := 1
	msg := EncodeSpaceUpdate(space, SpaceControlsUpdate{
		HVACMode:               HVACModeHeat,
		SetpointC:              21.5,
		HeatingSetpointC:       21.5,
		CoolingSetpointC:       25,
		ComfortSettingOverride: &override,
		ComfortSettingID:       "cs-1",
	})

	fields, err := protowire.Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	headerF := protowire.First(fields, 1, protowire.TypeBytes)
	if headerF == nil {
		t.Fatal("header missing")
	}
	header, err := protowire.Decode(headerF.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if got := protowire.First(header, 1, protowire.TypeBytes); got == nil || got.String() != "space-a" {
		t.Errorf("header id = %v", got)
	}
	if got := protowire.First(header, 4, protowire.TypeBytes); got == nil || got.String() != "sys-1" {
		t.Errorf("header system = %v", got)
	}
	if protowire.First(header, 2, protowire.TypeBytes) == nil {
		t.Error("created timestamp not echoed")
	}

	controlsF := protowire.First(fields, 4, protowire.TypeBytes)
	if controlsF == nil {
		t.Fatal("controls missing")
	}
	controls := parseSpaceControls(controlsF.Bytes)
	if controls.HVACMode == nil || *controls.HVACMode != HVACModeHeat {
		t.Errorf("hvac mode = %v", controls.HVACMode)
	}
	if controls.SetpointC == nil || *controls.SetpointC != 21.5 {
		t.Errorf("setpoint = %v", controls.SetpointC)
	}
	if controls.CoolingSetpointC == nil || *controls.CoolingSetpointC != 25 {
		t.Errorf("cooling = %v", controls.CoolingSetpointC)
	}
	if controls.ComfortSettingOverride == nil || *controls.ComfortSettingOverride != 1 {
		t.Errorf("override = %v", controls.ComfortSettingOverride)
	}
	if controls.ComfortSettingID != "cs-1" {
		t.Errorf("comfort setting id = %q", controls.ComfortSettingID)
	}
	if controls.Updated == nil {
		t.Error("updated timestamp missing")
	}

	// Field 7 = 0 is always present, matching app captures.
	raw, _ := protowire.Decode(controlsF.Bytes)
	if f := protowire.First(raw, 7, protowire.TypeVarint); f == nil || f.Uint != 0 {
		t.Errorf("controls field 7 = %v, want 0", f)
	}
}

func TestEncodeIndoorUnitUpdateMergesCurrent(t *testing.T) {
	fanMode := FanSpeedModeSetpoint
	fanPercent := 0.6
	color := 3
	iu := &IndoorUnit{
		Header: Header{ID: "iu-1", System: "sys-1"},
		Controls: IndoorUnitControls{
			LightColorCode:  &color,
			FanSpeedMode:    &fanMode,
			FanSpeedPercent: &fanPercent,
		},
	}

	brightness := 0.4
	anim := LightAnimationChase
	msg := EncodeIndoorUnitUpdate(iu, IndoorUnitControlsUpdate{
		LightBrightness: &brightness,
		LightAnimation:  &anim,
	})

	fields, err := protowire.Decode(msg)
	if err != nil {
		t.Fatal(err)
	}
	controlsF := protowire.First(fields, 4, protowire.TypeBytes)
	if controlsF == nil {
		t.Fatal("controls missing")
	}
	controls := parseIndoorUnitControls(controlsF.Bytes)

	if controls.LightBrightness == nil || *controls.LightBrightness != 0.4 {
		t.Errorf("brightness = %v", controls.LightBrightness)
	}
	if controls.LightAnimation == nil || *controls.LightAnimation != LightAnimationChase {
		t.Errorf("animation = %v", controls.LightAnimation)
	}
	// Untouched fields carried over from current controls.
	if controls.LightColorCode == nil || *controls.LightColorCode != 3 {
		t.Errorf("color = %v", controls.LightColorCode)
	}
	if controls.FanSpeedMode == nil || *controls.FanSpeedMode != FanSpeedModeSetpoint {
		t.Errorf("fan mode = %v", controls.FanSpeedMode)
	}
	if controls.FanSpeedPercent == nil || *controls.FanSpeedPercent != 0.6 {
		t.Errorf("fan percent = %v", controls.FanSpeedPercent)
	}
}

func TestEncodeComfortSettingUpdate(t *testing.T) {
	csType := 1
	hvacMode := HVACModeAutomatic
	cs := &ComfortSetting{
		Header: Header{ID: "cs-1", System: "sys-1"},
		Attributes: ComfortSettingAttributes{
			Name:     "Comfort",
			Type:     &csType,
			HVACMode: &hvacMode,
		},
	}

	fanMode := FanSpeedModeAuto
	msg := EncodeComfortSettingUpdate(cs, ComfortSettingUpdate{
		HeatingSetpointC: 20,
		CoolingSetpointC: 24,
		FanSpeedMode:     &fanMode,
	})

	fields, err := protowire.Decode(msg)
	if err != nil {
		t.Fatal(err)
	}
	attrsF := protowire.First(fields, 2, protowire.TypeBytes)
	if attrsF == nil {
		t.Fatal("attributes missing")
	}
	attrs := parseComfortSettingAttributes(attrsF.Bytes)

	if attrs.Name != "Comfort" {
		t.Errorf("name = %q", attrs.Name)
	}
	if attrs.HeatingSetpointC == nil || *attrs.HeatingSetpointC != 20 {
		t.Errorf("heat = %v", attrs.HeatingSetpointC)
	}
	if attrs.CoolingSetpointC == nil || *attrs.CoolingSetpointC != 24 {
		t.Errorf("cool = %v", attrs.CoolingSetpointC)
	}
	if attrs.FanSpeedMode == nil || *attrs.FanSpeedMode != FanSpeedModeAuto {
		t.Errorf("fan mode = %v", attrs.FanSpeedMode)
	}
	if attrs.HVACMode == nil || *attrs.HVACMode != HVACModeAutomatic {
		t.Errorf("hvac mode = %v", attrs.HVACMode)
	}
}

func TestEncodeEnergyMetricsRequest(t *testing.T) {
	start := time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)

	msg := EncodeEnergyMetricsRequest("sys-1", start, end, 1)
	fields, err := protowire.Decode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got := protowire.First(fields, 1, protowire.TypeBytes); got == nil || got.String() != "sys-1" {
		t.Errorf("system id = %v", got)
	}
	startF := protowire.First(fields, 2, protowire.TypeBytes)
	if startF == nil {
		t.Fatal("start time missing")
	}
	if ts := parseTimestamp(startF.Bytes); ts == nil || ts.Seconds != start.Unix() {
		t.Errorf("start = %+v", ts)
	}
	if got := protowire.First(fields, 4, protowire.TypeVarint); got == nil || got.Uint != 1 {
		t.Errorf("resolution = %v", got)
	}
}

func TestEncodeSubscribeRequestSorted(t *testing.T) {
	msg := EncodeSubscribeRequest(SubscribeAppend, []string{"hds/space/b", "hds/space/a"})
	fields, err := protowire.Decode(msg)
	if err != nil {
		t.Fatal(err)
	}
	topics := protowire.All(fields, 1, protowire.TypeBytes)
	if len(topics) != 2 || topics[0].String() != "hds/space/a" || topics[1].String() != "hds/space/b" {
		t.Errorf("topics = %+v, want sorted", topics)
	}
	if f := protowire.First(fields, 2, protowire.TypeVarint); f == nil || f.Uint != SubscribeAppend {
		t.Errorf("request type = %v", f)
	}
}

func TestEncodePublishRequestHeartbeat(t *testing.T) {
	msg := EncodePublishRequest([]PublishEvent{{Topic: HeartbeatTopic("sys-1")}})
	fields, err := protowire.Decode(msg)
	if err != nil {
		t.Fatal(err)
	}
	evF := protowire.First(fields, 1, protowire.TypeBytes)
	if evF == nil {
		t.Fatal("event missing")
	}
	ev, err := protowire.Decode(evF.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if got := protowire.First(ev, 1, protowire.TypeBytes); got == nil || got.String() != "system/sys-1/client_heartbeat" {
		t.Errorf("topic = %v", got)
	}
	if protowire.First(ev, 2, protowire.TypeBytes) != nil {
		t.Error("heartbeat should have no payload field")
	}
}

func TestShouldRefresh(t *testing.T) {
	var notifierEv []byte
	notifierEv = protowire.AppendString(notifierEv, 1, "hds/space/space-a")

	var withNotifier []byte
	withNotifier = protowire.AppendBytes(withNotifier, 1, notifierEv)

	var withControl []byte
	withControl = protowire.AppendBytes(withControl, 2, []byte{})

	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"empty initial event", protowire.AppendBytes(nil, 1, nil), false},
		{"no event", nil, false},
		{"notifier events", protowire.AppendBytes(nil, 1, withNotifier), true},
		{"control events only", protowire.AppendBytes(nil, 1, withControl), false},
		{"undecodable", []byte{0xFF, 0xFF}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRefresh(tt.payload); got != tt.want {
				t.Errorf("ShouldRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}
