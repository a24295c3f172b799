//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"quilt-bridge/internal/reconcile"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/quilt_space-a/climate/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload covering the entity types
// the bridge publishes.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Options           []string `json:"options,omitempty"`

	// Climate.
	Modes                        []string `json:"modes,omitempty"`
	ModeStateTopic               string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate            string   `json:"mode_state_template,omitempty"`
	ModeCommandTopic             string   `json:"mode_command_topic,omitempty"`
	ModeCommandTemplate          string   `json:"mode_command_template,omitempty"`
	ActionTopic                  string   `json:"action_topic,omitempty"`
	ActionTemplate               string   `json:"action_template,omitempty"`
	CurrentTemperatureTopic      string   `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTemplate   string   `json:"current_temperature_template,omitempty"`
	TemperatureStateTopic        string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTemplate     string   `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic      string   `json:"temperature_command_topic,omitempty"`
	TemperatureCommandTemplate   string   `json:"temperature_command_template,omitempty"`
	TemperatureHighStateTopic    string   `json:"temperature_high_state_topic,omitempty"`
	TemperatureHighStateTemplate string   `json:"temperature_high_state_template,omitempty"`
	TemperatureHighCommandTopic  string   `json:"temperature_high_command_topic,omitempty"`
	TemperatureHighCommandTmpl   string   `json:"temperature_high_command_template,omitempty"`
	TemperatureLowStateTopic     string   `json:"temperature_low_state_topic,omitempty"`
	TemperatureLowStateTemplate  string   `json:"temperature_low_state_template,omitempty"`
	TemperatureLowCommandTopic   string   `json:"temperature_low_command_topic,omitempty"`
	TemperatureLowCommandTmpl    string   `json:"temperature_low_command_template,omitempty"`
	MinTemp                      float64  `json:"min_temp,omitempty"`
	MaxTemp                      float64  `json:"max_temp,omitempty"`
	TempStep                     float64  `json:"temp_step,omitempty"`
	TemperatureUnit              string   `json:"temperature_unit,omitempty"`

	// Fan.
	PresetModes              []string `json:"preset_modes,omitempty"`
	PresetModeStateTopic     string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeValueTemplate  string   `json:"preset_mode_value_template,omitempty"`
	PresetModeCommandTopic   string   `json:"preset_mode_command_topic,omitempty"`
	PresetModeCommandTmpl    string   `json:"preset_mode_command_template,omitempty"`
	PercentageStateTopic     string   `json:"percentage_state_topic,omitempty"`
	PercentageValueTemplate  string   `json:"percentage_value_template,omitempty"`
	PercentageCommandTopic   string   `json:"percentage_command_topic,omitempty"`
	PercentageCommandTmpl    string   `json:"percentage_command_template,omitempty"`
	SpeedRangeMin            int      `json:"speed_range_min,omitempty"`
	SpeedRangeMax            int      `json:"speed_range_max,omitempty"`

	// Light.
	PayloadOn               string   `json:"payload_on,omitempty"`
	PayloadOff              string   `json:"payload_off,omitempty"`
	StateValueTemplate      string   `json:"state_value_template,omitempty"`
	OnCommandType           string   `json:"on_command_type,omitempty"`
	BrightnessScale         int      `json:"brightness_scale,omitempty"`
	BrightnessStateTopic    string   `json:"brightness_state_topic,omitempty"`
	BrightnessValueTemplate string   `json:"brightness_value_template,omitempty"`
	BrightnessCommandTopic  string   `json:"brightness_command_topic,omitempty"`
	BrightnessCommandTmpl   string   `json:"brightness_command_template,omitempty"`
	EffectList              []string `json:"effect_list,omitempty"`
	EffectStateTopic        string   `json:"effect_state_topic,omitempty"`
	EffectValueTemplate     string   `json:"effect_value_template,omitempty"`
	EffectCommandTopic      string   `json:"effect_command_topic,omitempty"`
	EffectCommandTemplate   string   `json:"effect_command_template,omitempty"`

	Device haDevice `json:"device"`
}

// Climate setpoint bounds, matching the range the official app allows.
const (
	minSetpointC  = 10
	maxSetpointC  = 32
	setpointStepC = 0.5
)

// spaceIdentifier returns the unique identifier for the HA device registry.
func spaceIdentifier(spaceID string) string {
	return "quilt_" + spaceID
}

// buildDiscovery generates HA discovery messages for one space. Fan, light,
// and louver entities are only announced once the space has reported the
// matching fields, which requires an indoor unit.
func buildDiscovery(sp reconcile.Space, prefix, discoveryPrefix string) []discoveryMsg {
	nodeID := spaceIdentifier(sp.SpaceID)
	displayName := sp.Name()
	stateTopic := prefix + "/" + sp.SpaceID
	cmdTopic := stateTopic + "/set"
	avail := stateTopic + "/availability"

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Quilt",
		Model:        "Heat Pump",
		Name:         displayName,
	}

	msgs := []discoveryMsg{
		buildClimate(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix, haDev),
		buildSensor(nodeID, displayName, stateTopic, avail, discoveryPrefix, haDev,
			"temperature", "Temperature", "temperature", "°C", "measurement",
			"{{ value_json.current_temperature }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, discoveryPrefix, haDev,
			"energy_today", "Energy Today", "energy", "kWh", "total_increasing",
			"{{ value_json.energy_today_kwh }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, discoveryPrefix, haDev,
			"energy_7d", "Energy 7 Days", "energy", "kWh", "total",
			"{{ value_json.energy_7d_kwh }}"),
	}

	if _, ok := sp.Fields[reconcile.FieldFanMode]; ok {
		msgs = append(msgs, buildFan(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix, haDev))
	}
	if _, ok := sp.Fields[reconcile.FieldLightBrightness]; ok {
		msgs = append(msgs, buildLight(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix, haDev))
	}
	if _, ok := sp.Fields[reconcile.FieldLouverMode]; ok {
		msgs = append(msgs, buildLouverSelect(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix, haDev))
	}

	return msgs
}

func buildClimate(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("%s/climate/%s/climate/config", discoveryPrefix, nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_climate",
		AvailabilityTopic: avail,

		Modes:               []string{"off", "heat", "cool", "heat_cool", "fan_only"},
		ModeStateTopic:      stateTopic,
		ModeStateTemplate:   "{{ value_json.hvac_mode }}",
		ModeCommandTopic:    cmdTopic,
		ModeCommandTemplate: `{"hvac_mode": "{{ value }}"}`,

		ActionTopic:    stateTopic,
		ActionTemplate: "{{ value_json.hvac_action }}",

		CurrentTemperatureTopic:    stateTopic,
		CurrentTemperatureTemplate: "{{ value_json.current_temperature }}",

		TemperatureStateTopic:      stateTopic,
		TemperatureStateTemplate:   "{{ value_json.target_temperature }}",
		TemperatureCommandTopic:    cmdTopic,
		TemperatureCommandTemplate: `{"target_temperature": {{ value }}}`,

		TemperatureHighStateTopic:    stateTopic,
		TemperatureHighStateTemplate: "{{ value_json.target_temperature_high }}",
		TemperatureHighCommandTopic:  cmdTopic,
		TemperatureHighCommandTmpl:   `{"target_temperature_high": {{ value }}}`,

		TemperatureLowStateTopic:    stateTopic,
		TemperatureLowStateTemplate: "{{ value_json.target_temperature_low }}",
		TemperatureLowCommandTopic:  cmdTopic,
		TemperatureLowCommandTmpl:   `{"target_temperature_low": {{ value }}}`,

		MinTemp:         minSetpointC,
		MaxTemp:         maxSetpointC,
		TempStep:        setpointStepC,
		TemperatureUnit: "C",

		Device: haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildFan(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("%s/fan/%s/fan/config", discoveryPrefix, nodeID)
	payload := haDiscovery{
		Name:              displayName + " Fan",
		UniqueID:          nodeID + "_fan",
		AvailabilityTopic: avail,

		StateTopic:         stateTopic,
		StateValueTemplate: "{{ 'ON' if value_json.fan_percent | default(0) > 0 else 'OFF' }}",
		CommandTopic:       cmdTopic,
		CommandTemplate:    `{"fan_percent": {{ 40 if value == 'ON' else 0 }}}`,
		PayloadOn:          "ON",
		PayloadOff:         "OFF",

		PresetModes:             []string{"auto", "manual"},
		PresetModeStateTopic:    stateTopic,
		PresetModeValueTemplate: "{{ value_json.fan_mode }}",
		PresetModeCommandTopic:  cmdTopic,
		PresetModeCommandTmpl:   `{"fan_mode": "{{ value }}"}`,

		PercentageStateTopic:    stateTopic,
		PercentageValueTemplate: "{{ value_json.fan_percent }}",
		PercentageCommandTopic:  cmdTopic,
		PercentageCommandTmpl:   `{"fan_percent": {{ value }}}`,
		SpeedRangeMin:           1,
		SpeedRangeMax:           100,

		Device: haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("%s/light/%s/light/config", discoveryPrefix, nodeID)
	payload := haDiscovery{
		Name:              displayName + " Dial Light",
		UniqueID:          nodeID + "_light",
		AvailabilityTopic: avail,

		StateTopic:         stateTopic,
		StateValueTemplate: "{{ 'ON' if value_json.light_brightness | default(0) > 0 else 'OFF' }}",
		CommandTopic:       cmdTopic,
		CommandTemplate:    `{"light_brightness": {{ 100 if value == 'ON' else 0 }}}`,
		PayloadOn:          "ON",
		PayloadOff:         "OFF",
		OnCommandType:      "brightness",

		BrightnessScale:         100,
		BrightnessStateTopic:    stateTopic,
		BrightnessValueTemplate: "{{ value_json.light_brightness }}",
		BrightnessCommandTopic:  cmdTopic,
		BrightnessCommandTmpl:   `{"light_brightness": {{ value }}}`,

		EffectList:            []string{"None", "Sparkle Fade", "Twinkle Fade", "Dance", "Chase"},
		EffectStateTopic:      stateTopic,
		EffectValueTemplate:   "{{ value_json.light_effect }}",
		EffectCommandTopic:    cmdTopic,
		EffectCommandTemplate: `{"light_effect": "{{ value }}"}`,

		Device: haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLouverSelect(nodeID, displayName, stateTopic, cmdTopic, avail, discoveryPrefix string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("%s/select/%s/louver/config", discoveryPrefix, nodeID)
	payload := haDiscovery{
		Name:              displayName + " Louver",
		UniqueID:          nodeID + "_louver",
		AvailabilityTopic: avail,

		StateTopic:      stateTopic,
		ValueTemplate:   "{{ value_json.louver_mode }}",
		CommandTopic:    cmdTopic,
		CommandTemplate: `{"louver_mode": "{{ value }}"}`,
		Options: []string{
			reconcile.LouverAuto, reconcile.LouverSweep,
			reconcile.LouverClosed, reconcile.LouverFixed,
		},

		Device: haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, displayName, stateTopic, avail, discoveryPrefix string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a space
// from HA.
func buildRemoveDiscovery(spaceID, discoveryPrefix string) []discoveryMsg {
	nodeID := spaceIdentifier(spaceID)

	// Remove all possible component types.
	components := []struct{ comp, obj string }{
		{"climate", "climate"},
		{"fan", "fan"},
		{"light", "light"},
		{"select", "louver"},
		{"sensor", "temperature"},
		{"sensor", "energy_today"},
		{"sensor", "energy_7d"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
