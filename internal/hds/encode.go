package hds

import (
	"time"

	"quilt-bridge/internal/protowire"
)

func appendTimestamp(dst []byte, number int, ts Timestamp) []byte {
	var msg []byte
	msg = protowire.AppendVarint(msg, 1, uint64(ts.Seconds))
	msg = protowire.AppendVarint(msg, 2, uint64(ts.Nanos))
	return protowire.AppendBytes(dst, number, msg)
}

func appendNowTimestamp(dst []byte, number int) []byte {
	return appendTimestamp(dst, number, TimestampOf(time.Now()))
}

// appendObjectHeader encodes the header sent on updates: id, created
// timestamp when known, and system id. The updated timestamp is owned by
// the server and never echoed back.
func appendObjectHeader(dst []byte, h Header) []byte {
	var msg []byte
	msg = protowire.AppendString(msg, 1, h.ID)
	if h.Created != nil {
		msg = appendTimestamp(msg, 2, *h.Created)
	}
	msg = protowire.AppendString(msg, 4, h.System)
	return protowire.AppendBytes(dst, 1, msg)
}

// SpaceControlsUpdate is the commanded climate change for one space.
type SpaceControlsUpdate struct {
	HVACMode               int
	SetpointC              float64
	HeatingSetpointC       float64
	CoolingSetpointC       float64
	ComfortSettingOverride *int
	ComfortSettingID       string
}

// EncodeSpaceUpdate builds the Space diff message for UpdateSpace:
// 1 { header }, 4 { controls }. The official app always sends field 7 = 0
// in controls.
func EncodeSpaceUpdate(space *Space, upd SpaceControlsUpdate) []byte {
	var controls []byte
	controls = protowire.AppendVarint(controls, 1, uint64(upd.HVACMode))
	controls = protowire.AppendFloat32(controls, 2, upd.SetpointC)
	controls = appendNowTimestamp(controls, 3)
	controls = protowire.AppendFloat32(controls, 4, upd.CoolingSetpointC)
	controls = protowire.AppendFloat32(controls, 5, upd.HeatingSetpointC)
	controls = protowire.AppendVarint(controls, 7, 0)
	if upd.ComfortSettingOverride != nil {
		controls = protowire.AppendVarint(controls, 8, uint64(*upd.ComfortSettingOverride))
	}
	if upd.ComfortSettingID != "" {
		controls = protowire.AppendString(controls, 9, upd.ComfortSettingID)
	}

	var msg []byte
	msg = appendObjectHeader(msg, space.Header)
	msg = protowire.AppendBytes(msg, 4, controls)
	return msg
}

// IndoorUnitControlsUpdate is a partial change to one indoor unit's dial
// light, fan, or louver. Nil fields keep the unit's current value.
type IndoorUnitControlsUpdate struct {
	LightBrightness *float64
	LightColorCode  *int
	LightAnimation  *int
	LouverMode      *int
	LouverPosition  *float64
}

// EncodeIndoorUnitUpdate builds the IndoorUnit diff for UpdateIndoorUnit:
// 1 { header }, 4 { controls }. Unchanged fields are re-sent from the
// current controls, matching the official app's full-controls diffs.
func EncodeIndoorUnitUpdate(iu *IndoorUnit, upd IndoorUnitControlsUpdate) []byte {
	cur := iu.Controls

	colorCode := upd.LightColorCode
	if colorCode == nil {
		colorCode = cur.LightColorCode
	}
	brightness := upd.LightBrightness
	if brightness == nil {
		brightness = cur.LightBrightness
	}
	louverMode := upd.LouverMode
	if louverMode == nil {
		louverMode = cur.LouverMode
	}
	louverPos := upd.LouverPosition
	if louverPos == nil {
		louverPos = cur.LouverPosition
	}
	animation := upd.LightAnimation
	if animation == nil {
		animation = cur.LightAnimation
	}

	var controls []byte
	if colorCode != nil {
		controls = protowire.AppendVarint(controls, 3, uint64(*colorCode))
	}
	if brightness != nil {
		controls = protowire.AppendFloat32(controls, 4, *brightness)
	}
	if cur.FanSpeedMode != nil {
		controls = protowire.AppendVarint(controls, 5, uint64(*cur.FanSpeedMode))
	}
	if cur.FanSpeedPercent != nil {
		controls = protowire.AppendFloat32(controls, 6, *cur.FanSpeedPercent)
	}
	controls = appendNowTimestamp(controls, 7)
	if louverMode != nil {
		controls = protowire.AppendVarint(controls, 10, uint64(*louverMode))
	}
	if louverPos != nil {
		controls = protowire.AppendFloat32(controls, 11, *louverPos)
	}
	if animation != nil {
		controls = protowire.AppendVarint(controls, 12, uint64(*animation))
	}

	var msg []byte
	msg = appendObjectHeader(msg, iu.Header)
	msg = protowire.AppendBytes(msg, 4, controls)
	return msg
}

// ComfortSettingUpdate is a partial change to a comfort setting. Heat and
// cool setpoints are always sent; nil fields keep the current attribute.
type ComfortSettingUpdate struct {
	HeatingSetpointC float64
	CoolingSetpointC float64
	FanSpeedMode     *int
	FanSpeedPercent  *float64
	HVACMode         *int
	LouverMode       *int
	LouverPosition   *float64
}

// EncodeComfortSettingUpdate builds the UpdateComfortSetting request body:
// 1 { header }, 2 { attributes }.
func EncodeComfortSettingUpdate(cs *ComfortSetting, upd ComfortSettingUpdate) []byte {
	a := cs.Attributes

	fanMode := upd.FanSpeedMode
	if fanMode == nil {
		fanMode = a.FanSpeedMode
	}
	fanPercent := upd.FanSpeedPercent
	if fanPercent == nil {
		fanPercent = a.FanSpeedPercent
	}
	hvacMode := upd.HVACMode
	if hvacMode == nil {
		hvacMode = a.HVACMode
	}
	louverMode := upd.LouverMode
	if louverMode == nil {
		louverMode = a.LouverMode
	}
	louverPos := upd.LouverPosition
	if louverPos == nil {
		louverPos = a.LouverPosition
	}

	var attrs []byte
	attrs = appendNowTimestamp(attrs, 1)
	if a.Name != "" {
		attrs = protowire.AppendString(attrs, 2, a.Name)
	}
	if fanMode != nil {
		attrs = protowire.AppendVarint(attrs, 3, uint64(*fanMode))
	}
	if fanPercent != nil {
		attrs = protowire.AppendFloat32(attrs, 4, *fanPercent)
	}
	attrs = protowire.AppendFloat32(attrs, 5, upd.HeatingSetpointC)
	attrs = protowire.AppendFloat32(attrs, 6, upd.CoolingSetpointC)
	if a.Type != nil {
		attrs = protowire.AppendVarint(attrs, 7, uint64(*a.Type))
	}
	if hvacMode != nil {
		attrs = protowire.AppendVarint(attrs, 8, uint64(*hvacMode))
	}
	if louverMode != nil {
		attrs = protowire.AppendVarint(attrs, 9, uint64(*louverMode))
	}
	if louverPos != nil {
		attrs = protowire.AppendFloat32(attrs, 10, *louverPos)
	}

	var msg []byte
	msg = appendObjectHeader(msg, cs.Header)
	msg = protowire.AppendBytes(msg, 2, attrs)
	return msg
}

// EncodeGetSystemRequest builds the GetHomeDatastoreSystem request body.
func EncodeGetSystemRequest(systemID string) []byte {
	return protowire.AppendString(nil, 1, systemID)
}

// EncodeEnergyMetricsRequest builds the GetEnergyMetrics request body:
// 1: systemID, 2: startTime, 3: endTime, 4: preferredTimeResolution.
func EncodeEnergyMetricsRequest(systemID string, start, end time.Time, resolution int) []byte {
	var msg []byte
	msg = protowire.AppendString(msg, 1, systemID)
	msg = appendTimestamp(msg, 2, TimestampOf(start))
	msg = appendTimestamp(msg, 3, TimestampOf(end))
	msg = protowire.AppendVarint(msg, 4, uint64(resolution))
	return msg
}
