package hds

import (
	"fmt"
	"math"
	"sort"

	"quilt-bridge/internal/protowire"
)

// fieldToTopic maps GetHomeDatastoreSystem field numbers to notifier topic
// names, mirroring HDSObjectType.topicName in the app sources. Field 9
// carries full IndoorUnit objects; field 8 is the smaller hardware payload.
var fieldToTopic = map[int]string{
	3:  "space",
	5:  "outdoor_unit_hardware",
	6:  "outdoor_unit",
	7:  "quilt_smart_module",
	8:  "indoor_unit_hardware",
	9:  "indoor_unit",
	10: "controller",
	11: "controller_remote_sensor",
	12: "controller_hardware",
	13: "comfort_setting",
	14: "schedule_day",
	15: "schedule_week",
	16: "software_update_info",
	17: "location",
	18: "remote_sensor",
}

func parseTimestamp(raw []byte) *Timestamp {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return nil
	}
	sec := protowire.First(fields, 1, protowire.TypeVarint)
	if sec == nil {
		return nil
	}
	ts := &Timestamp{Seconds: int64(sec.Uint)}
	if ns := protowire.First(fields, 2, protowire.TypeVarint); ns != nil {
		ts.Nanos = int64(ns.Uint)
	}
	return ts
}

func parseHeader(raw []byte) (Header, error) {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return Header{}, err
	}
	id := protowire.First(fields, 1, protowire.TypeBytes)
	system := protowire.First(fields, 4, protowire.TypeBytes)
	if id == nil || system == nil {
		return Header{}, fmt.Errorf("header missing id or system id")
	}
	h := Header{ID: id.String(), System: system.String()}
	if f := protowire.First(fields, 2, protowire.TypeBytes); f != nil {
		h.Created = parseTimestamp(f.Bytes)
	}
	if f := protowire.First(fields, 3, protowire.TypeBytes); f != nil {
		h.Updated = parseTimestamp(f.Bytes)
	}
	return h, nil
}

func floatAt(fields []protowire.Field, number int) *float64 {
	f := protowire.First(fields, number, protowire.TypeFixed32)
	if f == nil {
		return nil
	}
	v, err := f.Float32()
	if err != nil {
		return nil
	}
	return &v
}

func intAt(fields []protowire.Field, number int) *int {
	f := protowire.First(fields, number, protowire.TypeVarint)
	if f == nil {
		return nil
	}
	v := int(f.Uint)
	return &v
}

func stringAt(fields []protowire.Field, number int) string {
	f := protowire.First(fields, number, protowire.TypeBytes)
	if f == nil {
		return ""
	}
	return f.String()
}

func timestampAt(fields []protowire.Field, number int) *Timestamp {
	f := protowire.First(fields, number, protowire.TypeBytes)
	if f == nil {
		return nil
	}
	return parseTimestamp(f.Bytes)
}

func parseSpaceSettings(raw []byte) SpaceSettings {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return SpaceSettings{}
	}
	return SpaceSettings{
		Name:     stringAt(fields, 1),
		Timezone: stringAt(fields, 4),
	}
}

// Space controls layout:
//  1: hvacMode (enum)         5: heatingTemperatureSetpointC (fixed32)
//  2: setpointTemperatureC    8: comfortSettingOverride (enum)
//  3: updatedTimestamp        9: comfortSettingIdString
//  4: coolingTemperatureSetpointC
func parseSpaceControls(raw []byte) SpaceControls {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return SpaceControls{}
	}
	return SpaceControls{
		HVACMode:               intAt(fields, 1),
		SetpointC:              floatAt(fields, 2),
		Updated:                timestampAt(fields, 3),
		CoolingSetpointC:       floatAt(fields, 4),
		HeatingSetpointC:       floatAt(fields, 5),
		ComfortSettingOverride: intAt(fields, 8),
		ComfortSettingID:       stringAt(fields, 9),
	}
}

// Space state layout:
//  1: updatedTimestamp  3: ambientTemperatureC  5: comfortSettingIdString
//  2: setpointC         4: hvacState (enum)
func parseSpaceState(raw []byte) SpaceState {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return SpaceState{}
	}
	return SpaceState{
		Updated:          timestampAt(fields, 1),
		SetpointC:        floatAt(fields, 2),
		AmbientC:         floatAt(fields, 3),
		HVACState:        intAt(fields, 4),
		ComfortSettingID: stringAt(fields, 5),
	}
}

func parseSpace(raw []byte) (*Space, error) {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return nil, err
	}
	headerF := protowire.First(fields, 1, protowire.TypeBytes)
	if headerF == nil {
		return nil, fmt.Errorf("space missing header")
	}
	header, err := parseHeader(headerF.Bytes)
	if err != nil {
		return nil, fmt.Errorf("space header: %w", err)
	}

	space := &Space{Header: header}
	if f := protowire.First(fields, 2, protowire.TypeBytes); f != nil {
		if rel, err := protowire.Decode(f.Bytes); err == nil {
			space.ParentSpaceID = stringAt(rel, 2)
		}
	}
	if f := protowire.First(fields, 3, protowire.TypeBytes); f != nil {
		space.Settings = parseSpaceSettings(f.Bytes)
	}
	if f := protowire.First(fields, 4, protowire.TypeBytes); f != nil {
		space.Controls = parseSpaceControls(f.Bytes)
	}
	if f := protowire.First(fields, 5, protowire.TypeBytes); f != nil {
		space.State = parseSpaceState(f.Bytes)
	}
	return space, nil
}

// Indoor unit controls layout (from UpdateIndoorUnit captures):
//  3: lightColorCode (varint)   7: updatedTimestamp
//  4: lightBrightness (fixed32) 10: louverMode (enum)
//  5: fanSpeedMode (enum)       11: louverFixedPosition (fixed32)
//  6: fanSpeedPercent (fixed32) 12: lightAnimation (enum)
func parseIndoorUnitControls(raw []byte) IndoorUnitControls {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return IndoorUnitControls{}
	}
	return IndoorUnitControls{
		LightColorCode:  intAt(fields, 3),
		LightBrightness: floatAt(fields, 4),
		FanSpeedMode:    intAt(fields, 5),
		FanSpeedPercent: floatAt(fields, 6),
		Updated:         timestampAt(fields, 7),
		LouverMode:      intAt(fields, 10),
		LouverPosition:  floatAt(fields, 11),
		LightAnimation:  intAt(fields, 12),
	}
}

func parseIndoorUnit(raw []byte) (*IndoorUnit, error) {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return nil, err
	}
	headerF := protowire.First(fields, 1, protowire.TypeBytes)
	if headerF == nil {
		return nil, fmt.Errorf("indoor unit missing header")
	}
	header, err := parseHeader(headerF.Bytes)
	if err != nil {
		return nil, fmt.Errorf("indoor unit header: %w", err)
	}

	iu := &IndoorUnit{Header: header}
	if f := protowire.First(fields, 2, protowire.TypeBytes); f != nil {
		if rel, err := protowire.Decode(f.Bytes); err == nil {
			iu.SpaceID = stringAt(rel, 2)
		}
	}
	if f := protowire.First(fields, 4, protowire.TypeBytes); f != nil {
		iu.Controls = parseIndoorUnitControls(f.Bytes)
	}
	return iu, nil
}

// Comfort setting attributes layout:
//  1: updatedTimestamp   5: heatingTemperatureSetpointC   9: louverMode
//  2: name               6: coolingTemperatureSetpointC  10: louverFixedPosition
//  3: fanSpeedMode       7: comfortSettingType
//  4: fanSpeedPercent    8: hvacMode
func parseComfortSettingAttributes(raw []byte) ComfortSettingAttributes {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return ComfortSettingAttributes{}
	}
	return ComfortSettingAttributes{
		Updated:          timestampAt(fields, 1),
		Name:             stringAt(fields, 2),
		FanSpeedMode:     intAt(fields, 3),
		FanSpeedPercent:  floatAt(fields, 4),
		HeatingSetpointC: floatAt(fields, 5),
		CoolingSetpointC: floatAt(fields, 6),
		Type:             intAt(fields, 7),
		HVACMode:         intAt(fields, 8),
		LouverMode:       intAt(fields, 9),
		LouverPosition:   floatAt(fields, 10),
	}
}

func parseComfortSetting(raw []byte) (*ComfortSetting, error) {
	fields, err := protowire.Decode(raw)
	if err != nil {
		return nil, err
	}
	headerF := protowire.First(fields, 1, protowire.TypeBytes)
	attrsF := protowire.First(fields, 2, protowire.TypeBytes)
	if headerF == nil || attrsF == nil {
		return nil, fmt.Errorf("comfort setting missing header or attributes")
	}
	header, err := parseHeader(headerF.Bytes)
	if err != nil {
		return nil, fmt.Errorf("comfort setting header: %w", err)
	}

	cs := &ComfortSetting{Header: header, Attributes: parseComfortSettingAttributes(attrsF.Bytes)}
	if f := protowire.First(fields, 3, protowire.TypeBytes); f != nil {
		if rel, err := protowire.Decode(f.Bytes); err == nil {
			cs.SpaceID = stringAt(rel, 2)
		}
	}
	return cs, nil
}

// ParseListSystemsResponse parses a ListSystems response:
// repeated field 1 { 1: uuid, 2: name, 3: timezone }.
func ParseListSystemsResponse(data []byte) ([]SystemInfo, error) {
	top, err := protowire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	var out []SystemInfo
	for _, f := range protowire.All(top, 1, protowire.TypeBytes) {
		msg, err := protowire.Decode(f.Bytes)
		if err != nil {
			continue
		}
		id := stringAt(msg, 1)
		if id == "" {
			continue
		}
		name := stringAt(msg, 2)
		if name == "" {
			name = id
		}
		out = append(out, SystemInfo{SystemID: id, Name: name, Timezone: stringAt(msg, 3)})
	}
	return out, nil
}

// ParseSystemResponse parses a GetHomeDatastoreSystem response into the full
// object tree. Unknown object types are still indexed for notifier topics.
func ParseSystemResponse(data []byte) (*System, error) {
	top, err := protowire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("home datastore system: %w", err)
	}

	sys := &System{
		Spaces:                 make(map[string]*Space),
		IndoorUnits:            make(map[string]*IndoorUnit),
		IndoorUnitsBySpace:     make(map[string][]*IndoorUnit),
		ComfortSettings:        make(map[string]*ComfortSetting),
		ComfortSettingsBySpace: make(map[string][]*ComfortSetting),
		TopicIDs:               make(map[string][]string),
	}

	addTopic := func(topic, id string) {
		for _, existing := range sys.TopicIDs[topic] {
			if existing == id {
				return
			}
		}
		sys.TopicIDs[topic] = append(sys.TopicIDs[topic], id)
	}

	for fieldNo, topicName := range fieldToTopic {
		for _, objF := range protowire.All(top, fieldNo, protowire.TypeBytes) {
			objMsg, err := protowire.Decode(objF.Bytes)
			if err != nil {
				continue
			}
			headerF := protowire.First(objMsg, 1, protowire.TypeBytes)
			if headerF == nil {
				continue
			}
			header, err := parseHeader(headerF.Bytes)
			if err != nil {
				continue
			}
			addTopic(topicName, header.ID)
			if sys.SystemID == "" {
				sys.SystemID = header.System
			}
		}
	}

	for _, f := range protowire.All(top, 9, protowire.TypeBytes) {
		iu, err := parseIndoorUnit(f.Bytes)
		if err != nil {
			continue
		}
		sys.IndoorUnits[iu.Header.ID] = iu
		if iu.SpaceID != "" {
			sys.IndoorUnitsBySpace[iu.SpaceID] = append(sys.IndoorUnitsBySpace[iu.SpaceID], iu)
		}
	}

	for _, f := range protowire.All(top, 3, protowire.TypeBytes) {
		space, err := parseSpace(f.Bytes)
		if err != nil {
			continue
		}
		sys.Spaces[space.Header.ID] = space
	}

	for _, f := range protowire.All(top, 13, protowire.TypeBytes) {
		cs, err := parseComfortSetting(f.Bytes)
		if err != nil {
			continue
		}
		sys.ComfortSettings[cs.Header.ID] = cs
		if cs.SpaceID != "" {
			sys.ComfortSettingsBySpace[cs.SpaceID] = append(sys.ComfortSettingsBySpace[cs.SpaceID], cs)
		}
	}

	for _, ids := range sys.TopicIDs {
		sort.Strings(ids)
	}
	return sys, nil
}

// ParseEnergyMetricsResponse parses a GetEnergyMetrics response:
// repeated field 1 = SpaceEnergyMetrics { 1: spaceID, 2: resolution,
// repeated 3: bucket { 1: startTime, 2: status, 3: energyUsage } }.
// Energy appears as fixed64 double on current systems and fixed32 float on
// older ones; NaN samples are zeroed to match the app's workaround.
func ParseEnergyMetricsResponse(data []byte) ([]SpaceEnergy, error) {
	top, err := protowire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("energy metrics: %w", err)
	}

	var out []SpaceEnergy
	for _, f := range protowire.All(top, 1, protowire.TypeBytes) {
		fields, err := protowire.Decode(f.Bytes)
		if err != nil {
			continue
		}
		spaceID := stringAt(fields, 1)
		if spaceID == "" {
			continue
		}

		se := SpaceEnergy{SpaceID: spaceID}
		if res := intAt(fields, 2); res != nil {
			se.Resolution = *res
		}

		for _, b := range protowire.All(fields, 3, protowire.TypeBytes) {
			bFields, err := protowire.Decode(b.Bytes)
			if err != nil {
				continue
			}
			ts := timestampAt(bFields, 1)
			if ts == nil {
				continue
			}

			var energy float64
			if e := protowire.First(bFields, 3, protowire.TypeFixed64); e != nil {
				energy, _ = e.Float64()
			} else if e := protowire.First(bFields, 3, protowire.TypeFixed32); e != nil {
				energy, _ = e.Float32()
			} else {
				continue
			}
			if math.IsNaN(energy) {
				energy = 0
			}

			bucket := EnergyBucket{Start: *ts, KWh: energy}
			if status := intAt(bFields, 2); status != nil {
				bucket.Status = *status
			}
			se.Buckets = append(se.Buckets, bucket)
		}
		out = append(out, se)
	}
	return out, nil
}
