// Package hds models the Quilt "home datastore": the cloud-side object tree
// describing spaces (zones), indoor units, and comfort settings, plus the
// protobuf wire parsers and encoders for it. Field numbers were inferred
// from captures of the official app; parsing is best-effort because not
// every system reports every object list.
package hds

import "time"

// HVAC mode enum, in the order used by the app sources:
// UNKNOWN=0, STANDBY=1, COOL=2, HEAT=3, AUTOMATIC=4, FAN=5,
// FALLBACK_AUTO=6, FALLBACK_OFF=7.
const (
	HVACModeUnknown      = 0
	HVACModeStandby      = 1
	HVACModeCool         = 2
	HVACModeHeat         = 3
	HVACModeAutomatic    = 4
	HVACModeFan          = 5
	HVACModeFallbackAuto = 6
	HVACModeFallbackOff  = 7
)

// HVAC state (action) enum:
// UNKNOWN=0, STANDBY=1, COOL=2, HEAT=3, DRIFT=4, FAN=5, COOL_DEFERRED=6,
// HEAT_DEFERRED=7, FAN_DEFERRED=8, COOL_PREPARING=9, HEAT_PREPARING=10.
const (
	HVACStateUnknown       = 0
	HVACStateStandby       = 1
	HVACStateCool          = 2
	HVACStateHeat          = 3
	HVACStateDrift         = 4
	HVACStateFan           = 5
	HVACStateCoolDeferred  = 6
	HVACStateHeatDeferred  = 7
	HVACStateFanDeferred   = 8
	HVACStateCoolPreparing = 9
	HVACStateHeatPreparing = 10
)

// Fan speed mode enum.
const (
	FanSpeedModeUnknown  = 0
	FanSpeedModeAuto     = 1
	FanSpeedModeSetpoint = 2
)

// Louver mode enum.
const (
	LouverModeUnspecified = 0
	LouverModeClosed      = 1
	LouverModeSweep       = 2
	LouverModeFixed       = 3
	LouverModeAutomatic   = 4
)

// Light animation enum.
const (
	LightAnimationUnspecified = 0
	LightAnimationNone        = 1
	LightAnimationSparkleFade = 2
	LightAnimationTwinkleFade = 3
	LightAnimationDance       = 4
	LightAnimationChase       = 5
)

// Timestamp is a protobuf Timestamp (seconds=1, nanos=2).
type Timestamp struct {
	Seconds int64
	Nanos   int64
}

// Time converts to time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, ts.Nanos).UTC()
}

// TimestampOf builds a Timestamp from a time.Time.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int64(t.Nanosecond())}
}

// SystemInfo identifies one Quilt system from ListSystems.
type SystemInfo struct {
	SystemID string
	Name     string
	Timezone string
}

// Header is the common HDS object header: id, created/updated timestamps,
// and the owning system id.
type Header struct {
	ID      string
	Created *Timestamp
	Updated *Timestamp
	System  string
}

// SpaceSettings holds user-visible space settings.
type SpaceSettings struct {
	Name     string
	Timezone string
}

// SpaceControls holds the commanded state of a space.
type SpaceControls struct {
	HVACMode               *int
	SetpointC              *float64
	CoolingSetpointC       *float64
	HeatingSetpointC       *float64
	Updated                *Timestamp
	ComfortSettingOverride *int
	ComfortSettingID       string
}

// SpaceState holds the reported state of a space.
type SpaceState struct {
	Updated          *Timestamp
	SetpointC        *float64
	AmbientC         *float64
	HVACState        *int
	ComfortSettingID string
}

// Space is one HVAC zone.
type Space struct {
	Header        Header
	ParentSpaceID string
	Settings      SpaceSettings
	Controls      SpaceControls
	State         SpaceState
}

// IndoorUnitControls holds dial light, fan, and louver controls for one
// indoor unit. Brightness, fan percent, and louver position are 0..1.
type IndoorUnitControls struct {
	Updated        *Timestamp
	LightColorCode *int
	LightBrightness *float64
	LightAnimation *int
	FanSpeedMode   *int
	FanSpeedPercent *float64
	LouverMode     *int
	LouverPosition *float64
}

// IndoorUnit is one head unit, related to a space.
type IndoorUnit struct {
	Header   Header
	SpaceID  string
	Controls IndoorUnitControls
}

// ComfortSettingAttributes holds the editable fields of a comfort setting.
type ComfortSettingAttributes struct {
	Updated          *Timestamp
	Name             string
	FanSpeedMode     *int
	FanSpeedPercent  *float64
	HeatingSetpointC *float64
	CoolingSetpointC *float64
	Type             *int
	HVACMode         *int
	LouverMode       *int
	LouverPosition   *float64
}

// ComfortSetting is a named preset bound to a space.
type ComfortSetting struct {
	Header     Header
	Attributes ComfortSettingAttributes
	SpaceID    string
}

// System is one parsed GetHomeDatastoreSystem snapshot.
type System struct {
	SystemID              string
	Spaces                map[string]*Space
	IndoorUnits           map[string]*IndoorUnit
	IndoorUnitsBySpace    map[string][]*IndoorUnit
	ComfortSettings       map[string]*ComfortSetting
	ComfortSettingsBySpace map[string][]*ComfortSetting
	TopicIDs              map[string][]string
}

// NotifierTopics returns the full topic set this snapshot subscribes to,
// formatted as "hds/<type>/<id>".
func (s *System) NotifierTopics() []string {
	var topics []string
	for topicName, ids := range s.TopicIDs {
		for _, id := range ids {
			topics = append(topics, "hds/"+topicName+"/"+id)
		}
	}
	return topics
}

// ActiveComfortSetting returns the comfort setting currently selected by a
// space's controls, or the first one related to the space.
func (s *System) ActiveComfortSetting(spaceID string) *ComfortSetting {
	space, ok := s.Spaces[spaceID]
	if ok && space.Controls.ComfortSettingID != "" {
		if cs, ok := s.ComfortSettings[space.Controls.ComfortSettingID]; ok {
			return cs
		}
	}
	if list := s.ComfortSettingsBySpace[spaceID]; len(list) > 0 {
		return list[0]
	}
	return nil
}

// EnergyBucket is one time-bucketed energy usage sample.
type EnergyBucket struct {
	Start  Timestamp
	Status int
	KWh    float64
}

// SpaceEnergy holds the energy buckets for one space.
type SpaceEnergy struct {
	SpaceID    string
	Resolution int
	Buckets    []EnergyBucket
}
