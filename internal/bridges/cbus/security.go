package cbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Security state fields applied to host devices.
const (
	FieldZoneState = "zone_state"
	FieldArmState  = "arm_state"
	FieldAlarm     = "alarm"
	FieldTamper    = "tamper"
	FieldPanic     = "panic"
	FieldBattery   = "battery"
	FieldMains     = "mains"
)

// Zone states.
const (
	ZoneMonitoring = "monitoring"
	ZoneTriggered  = "triggered"
	ZoneOpen       = "open"
	ZoneShort      = "short"
	ZoneIsolated   = "isolated"
)

// Panel states.
const (
	ArmNotReady   = "notReady"
	ArmReady      = "armReady"
	ArmDisarmed   = "disarmed"
	ArmAway       = "away"
	ArmNight      = "night"
	ArmDay        = "day"
	ArmExitDelay  = "exitDelay"
	ArmEntryDelay = "entryDelay"

	AlarmActive  = "active"
	AlarmCleared = "cleared"

	TamperOn  = "on"
	TamperOff = "off"

	PanicActivated = "activated"
	PanicCleared   = "cleared"

	BatteryCharging = "charging"
	BatteryLow      = "low"
	BatteryOK       = "ok"

	MainsFailed = "failed"
	MainsOK     = "ok"
)

// armedStates maps the system_arm code to a panel state.
var armedStates = map[string]string{
	"0": ArmDisarmed,
	"1": ArmAway,
	"2": ArmNight,
	"3": ArmDay,
}

// alarmTypes maps the current_alarm_type code to an alarm name.
var alarmTypes = map[string]string{
	"0": AlarmCleared,
	"1": "intruder",
	"2": "lineCut",
	"3": "armFailed",
	"4": "fire",
	"5": "gas",
}

// zoneReportStates maps one zone value of a status report.
var zoneReportStates = map[string]string{
	"0": ZoneMonitoring,
	"1": ZoneTriggered,
	"2": ZoneOpen,
	"3": ZoneShort,
}

// Status report layout.
const (
	report1ZoneOffset = 3  // payload index of zone 1 in report 1
	report1Zones      = 32 // zones 1..32
	report2FirstZone  = 33
	maxZones          = 80
)

// PanelAddress returns the address of the security panel device.
func PanelAddress(network string) string {
	return ApplicationAddress(network, AppSecurity)
}

// zoneDevice finds the zone an event refers to, either by its own address or
// by a zone number in the first payload token.
func (d *Dispatcher) zoneDevice(ev Event) (Device, bool) {
	if dev, ok := d.dir.Lookup(ev.Address); ok && dev.Class == ClassSecurityZone {
		return dev, true
	}
	if len(ev.Args) == 0 {
		return Device{}, false
	}
	idx, err := strconv.Atoi(ev.Args[0])
	if err != nil {
		return Device{}, false
	}
	return d.zoneByIndex(idx)
}

func (d *Dispatcher) zoneByIndex(idx int) (Device, bool) {
	zone, ok := d.tr.Topology().Zone(idx)
	if !ok {
		return Device{}, false
	}
	return d.dir.Lookup(zone.Address)
}

func (d *Dispatcher) applyZone(ev Event, state string) error {
	dev, ok := d.zoneDevice(ev)
	if !ok {
		d.logger.Debug("no zone for security event", "key", ev.Key, "address", ev.Address)
		return nil
	}
	return d.tr.ApplySecurity(dev, FieldZoneState, state)
}

func (d *Dispatcher) applyPanel(field, value string) error {
	dev, ok := d.dir.Lookup(PanelAddress(d.cfg.Network))
	if !ok {
		d.logger.Debug("no security panel device", "field", field)
		return nil
	}
	return d.tr.ApplySecurity(dev, field, value)
}

func (d *Dispatcher) handleSystemArm(ev Event) error {
	if len(ev.Args) == 0 {
		return fmt.Errorf("system_arm: missing arm code")
	}
	state, ok := armedStates[ev.Args[0]]
	if !ok {
		d.logger.Debug("ignoring unknown arm code", "code", ev.Args[0])
		return nil
	}
	return d.applyPanel(FieldArmState, state)
}

func (d *Dispatcher) handleAlarmOn(ev Event) error {
	value := AlarmActive
	if len(ev.Args) > 0 {
		if name, ok := alarmTypes[ev.Args[0]]; ok {
			value = name
		}
	}
	return d.applyPanel(FieldAlarm, value)
}

func (d *Dispatcher) handleAlarmType(ev Event) error {
	if len(ev.Args) == 0 {
		return fmt.Errorf("current_alarm_type: missing type")
	}
	name, ok := alarmTypes[ev.Args[0]]
	if !ok {
		d.logger.Debug("ignoring unknown alarm type", "type", ev.Args[0])
		return nil
	}
	return d.applyPanel(FieldAlarm, name)
}

// handleAlarmOff clears the alarm and asks the panel for fresh status
// reports so zone states catch up.
func (d *Dispatcher) handleAlarmOff(ctx context.Context) error {
	err := d.applyPanel(FieldAlarm, AlarmCleared)
	if d.status == nil {
		return err
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, report := range []int{1, 2} {
		if rerr := d.status.RequestSecurityStatus(ctx, report); rerr != nil {
			errs = append(errs, fmt.Errorf("status request %d: %w", report, rerr))
		}
	}
	return errors.Join(errs...)
}

// handleStatusReport1 applies arm state, tamper, panic and zones 1..32.
func (d *Dispatcher) handleStatusReport1(ev Event) error {
	if len(ev.Args) < report1ZoneOffset {
		return fmt.Errorf("status_report_1: short payload (%d tokens)", len(ev.Args))
	}

	var errs []error
	if state, ok := armedStates[ev.Args[0]]; ok {
		errs = append(errs, d.applyPanel(FieldArmState, state))
	}
	if ev.Args[1] == "1" {
		errs = append(errs, d.applyPanel(FieldTamper, TamperOn))
	}
	if ev.Args[2] == "1" {
		errs = append(errs, d.applyPanel(FieldPanic, PanicActivated))
	}

	zones := ev.Args[report1ZoneOffset:]
	for i := 0; i < len(zones) && i < report1Zones; i++ {
		errs = append(errs, d.applyZoneReport(i+1, zones[i]))
	}
	return errors.Join(errs...)
}

// handleStatusReport2 applies zones 33..80.
func (d *Dispatcher) handleStatusReport2(ev Event) error {
	var errs []error
	for i, v := range ev.Args {
		zone := report2FirstZone + i
		if zone > maxZones {
			break
		}
		errs = append(errs, d.applyZoneReport(zone, v))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) applyZoneReport(index int, value string) error {
	state, ok := zoneReportStates[value]
	if !ok {
		return nil
	}
	dev, ok := d.zoneByIndex(index)
	if !ok {
		return nil
	}
	return d.tr.ApplySecurity(dev, FieldZoneState, state)
}
