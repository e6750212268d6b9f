package cbus

import (
	"strconv"
	"strings"
)

// EventKind is the closed set of monitor events the bridge handles.
type EventKind int

// Event kinds. EventUnknown covers every key not listed in eventKinds.
const (
	EventUnknown EventKind = iota

	EventLightingRamp
	EventLightingTerminateRamp
	EventLightingOn
	EventLightingOff

	EventZoneUnsealed
	EventZoneSealed
	EventZoneOpen
	EventZoneShort
	EventZoneIsolated
	EventArmNotReady
	EventArmReady
	EventSystemArm
	EventSystemDisarmed
	EventExitDelayStarted
	EventEntryDelayStarted
	EventAlarmOn
	EventCurrentAlarmType
	EventAlarmOff
	EventTamperOn
	EventTamperOff
	EventPanicActivated
	EventPanicCleared
	EventBatteryCharging
	EventLowBatteryDetected
	EventLowBatteryCorrected
	EventMainsFailure
	EventMainsRestored
	EventStatusReport1
	EventStatusReport2
)

// eventKinds maps "<category>_<action>" keys to kinds.
var eventKinds = map[string]EventKind{
	"lighting_ramp":          EventLightingRamp,
	"lighting_terminateramp": EventLightingTerminateRamp,
	"lighting_on":            EventLightingOn,
	"lighting_off":           EventLightingOff,

	"security_zone_unsealed":         EventZoneUnsealed,
	"security_zone_sealed":           EventZoneSealed,
	"security_zone_open":             EventZoneOpen,
	"security_zone_short":            EventZoneShort,
	"security_zone_isolated":         EventZoneIsolated,
	"security_arm_not_ready":         EventArmNotReady,
	"security_arm_ready":             EventArmReady,
	"security_system_arm":            EventSystemArm,
	"security_system_disarmed":       EventSystemDisarmed,
	"security_exit_delay_started":    EventExitDelayStarted,
	"security_entry_delay_started":   EventEntryDelayStarted,
	"security_alarm_on":              EventAlarmOn,
	"security_current_alarm_type":    EventCurrentAlarmType,
	"security_alarm_off":             EventAlarmOff,
	"security_tamper_on":             EventTamperOn,
	"security_tamper_off":            EventTamperOff,
	"security_panic_activated":       EventPanicActivated,
	"security_panic_cleared":         EventPanicCleared,
	"security_battery_charging":      EventBatteryCharging,
	"security_low_battery_detected":  EventLowBatteryDetected,
	"security_low_battery_corrected": EventLowBatteryCorrected,
	"security_mains_failure":         EventMainsFailure,
	"security_mains_restored":        EventMainsRestored,
	"security_status_report_1":       EventStatusReport1,
	"security_status_report_2":       EventStatusReport2,
}

// KindForKey returns the kind registered for key.
func KindForKey(key string) EventKind {
	return eventKinds[key]
}

// IsSecurity reports whether the kind belongs to the security application.
func (k EventKind) IsSecurity() bool {
	return k >= EventZoneUnsealed
}

// Event is one tokenised monitor line.
type Event struct {
	Kind EventKind

	// Key is "<category>_<action>".
	Key string

	// Address is the normalised object address, empty when the third token
	// is not an address.
	Address string

	// Args holds the tokens after the address.
	Args []string

	Raw string
}

// ParseEvent tokenises a monitor line. It returns false for lines with fewer
// than two tokens. Unknown keys parse with Kind EventUnknown.
func ParseEvent(line string) (Event, bool) {
	raw := strings.TrimSpace(line)
	raw = strings.TrimPrefix(raw, "# ")
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return Event{}, false
	}

	ev := Event{
		Key: fields[0] + "_" + fields[1],
		Raw: raw,
	}
	ev.Kind = KindForKey(ev.Key)

	rest := fields[2:]
	if len(rest) > 0 && strings.Contains(rest[0], "/") {
		ev.Address = NormalizeAddress(rest[0])
		rest = rest[1:]
	}
	ev.Args = rest
	return ev, true
}

// lightingArgs is the decoded payload of a lighting event.
type lightingArgs struct {
	level      int
	hasLevel   bool
	duration   int
	sourceUnit string
}

// parseLightingArgs reads level, ramp duration and source unit from a
// lighting payload. Keyed tokens ("level=128", "#sourceunit=8") win; bare
// numbers fill level then duration. Project tokens ("//HOME/254") and other
// keys are skipped.
func parseLightingArgs(args []string) lightingArgs {
	var out lightingArgs
	bare := 0
	for _, tok := range args {
		if strings.HasPrefix(tok, "//") {
			continue
		}
		if k, v, ok := strings.Cut(strings.TrimPrefix(tok, "#"), "="); ok {
			switch strings.ToLower(k) {
			case "level":
				if n, err := strconv.Atoi(v); err == nil {
					out.level, out.hasLevel = n, true
				}
			case "sourceunit":
				out.sourceUnit = v
			case "ramptime", "duration":
				if n, err := parseSeconds(v); err == nil {
					out.duration = n
				}
			}
			continue
		}
		n, err := parseSeconds(tok)
		if err != nil {
			continue
		}
		switch {
		case !out.hasLevel && bare == 0:
			out.level, out.hasLevel = n, true
		default:
			out.duration = n
		}
		bare++
	}
	out.level = clampLevel(out.level)
	return out
}

// parseSeconds accepts "10" or "10s".
func parseSeconds(s string) (int, error) {
	return strconv.Atoi(strings.TrimSuffix(s, "s"))
}
