package cbus

import (
	"sort"
	"strings"
)

// Kind is the electrical kind of a unit channel or lighting group.
type Kind uint8

// Kinds reported by C-Gate unit type names.
const (
	KindUnknown Kind = iota
	KindDimmer
	KindRelay
	KindSwitch
)

// String returns the lowercase kind name used in MQTT payloads.
func (k Kind) String() string {
	switch k {
	case KindDimmer:
		return "dimmer"
	case KindRelay:
		return "relay"
	case KindSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// KindFromUnitType maps a C-Gate unit type token (e.g. "DIMDN8", "RELDN12",
// "KEYBL5") to a Kind by prefix.
func KindFromUnitType(token string) Kind {
	t := strings.ToUpper(token)
	switch {
	case strings.HasPrefix(t, "DIM"):
		return KindDimmer
	case strings.HasPrefix(t, "REL"):
		return KindRelay
	case strings.HasPrefix(t, "KEY"):
		return KindSwitch
	default:
		return KindUnknown
	}
}

// GroupRecord is one discovered C-Bus group.
type GroupRecord struct {
	// Address is the qualified "net/app/group" form.
	Address string `yaml:"address"`

	// Group is the unqualified group number, used as the label channel.
	Group string `yaml:"group"`

	Name  string `yaml:"name"`
	OID   string `yaml:"oid,omitempty"`
	Level int    `yaml:"level"`
	Kind  Kind   `yaml:"-"`

	// ZoneIndex is the 1-based position of a security zone in the dump.
	// Zero for lighting groups.
	ZoneIndex int `yaml:"zone,omitempty"`
}

// UnitRecord is one physical C-Bus unit from the tree dump.
type UnitRecord struct {
	ID     string   `yaml:"id"`
	Type   string   `yaml:"type"`
	Kind   Kind     `yaml:"-"`
	Groups []string `yaml:"groups"`
}

// Drives reports whether the unit drives the given unqualified group.
func (u UnitRecord) Drives(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Topology is an immutable snapshot of one discovery cycle.
type Topology struct {
	Network string
	Groups  map[string]GroupRecord // keyed by qualified address
	Units   map[string]UnitRecord  // keyed by unit id
	Zones   []GroupRecord          // security zones in dump order
}

// Unit returns the unit with the given id.
func (t *Topology) Unit(id string) (UnitRecord, bool) {
	if t == nil {
		return UnitRecord{}, false
	}
	u, ok := t.Units[id]
	return u, ok
}

// Zone returns the security zone with the given 1-based index.
func (t *Topology) Zone(index int) (GroupRecord, bool) {
	if t == nil || index < 1 || index > len(t.Zones) {
		return GroupRecord{}, false
	}
	return t.Zones[index-1], true
}

// SortedGroups returns the lighting groups ordered by address.
func (t *Topology) SortedGroups() []GroupRecord {
	if t == nil {
		return nil
	}
	out := make([]GroupRecord, 0, len(t.Groups))
	for _, g := range t.Groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// DeviceClass distinguishes the host devices the bridge exposes.
type DeviceClass uint8

// Device classes.
const (
	ClassLighting DeviceClass = iota
	ClassSecurityZone
	ClassSecurityPanel
)

// String returns the class name used in discovery payloads.
func (c DeviceClass) String() string {
	switch c {
	case ClassSecurityZone:
		return "security_zone"
	case ClassSecurityPanel:
		return "security_panel"
	default:
		return "lighting"
	}
}

// Device is a host-side device bound to one C-Bus address.
type Device struct {
	Address   string
	Group     string
	Name      string
	Class     DeviceClass
	Kind      Kind
	ZoneIndex int
}

// IsDimmer reports whether brightness applies to this device.
func (d Device) IsDimmer() bool {
	return d.Class == ClassLighting && d.Kind == KindDimmer
}

// DeviceDirectory resolves C-Bus addresses to host devices.
type DeviceDirectory interface {
	Lookup(address string) (Device, bool)
}

// StateSink receives state changes destined for the host.
type StateSink interface {
	ApplyOnOff(dev Device, on bool) error
	ApplyBrightness(dev Device, percent int) error
	ApplySecurityField(dev Device, field, value string) error
	BroadcastEvent(eventType string, payload map[string]any) error
}
