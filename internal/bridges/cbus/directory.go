package cbus

import (
	"sort"
	"sync"
	"time"
)

// Directory is the in-memory device table built from a topology snapshot.
// It also remembers the last state applied to each device.
type Directory struct {
	mu      sync.RWMutex
	devices map[string]Device
	states  map[string]DeviceState
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		devices: make(map[string]Device),
		states:  make(map[string]DeviceState),
	}
}

// Replace rebuilds the device table from topo: one device per lighting
// group, one per security zone, plus the security panel when zones exist.
// States of devices that survive are kept.
func (d *Directory) Replace(topo *Topology) {
	devices := make(map[string]Device)
	if topo != nil {
		for addr, g := range topo.Groups {
			devices[addr] = Device{
				Address: addr,
				Group:   g.Group,
				Name:    g.Name,
				Class:   ClassLighting,
				Kind:    g.Kind,
			}
		}
		for _, z := range topo.Zones {
			devices[z.Address] = Device{
				Address:   z.Address,
				Group:     z.Group,
				Name:      z.Name,
				Class:     ClassSecurityZone,
				ZoneIndex: z.ZoneIndex,
			}
		}
		if len(topo.Zones) > 0 {
			panel := PanelAddress(topo.Network)
			devices[panel] = Device{
				Address: panel,
				Name:    "Security Panel",
				Class:   ClassSecurityPanel,
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = devices
	for addr := range d.states {
		if _, ok := devices[addr]; !ok {
			delete(d.states, addr)
		}
	}
}

// Lookup returns the device bound to address.
func (d *Directory) Lookup(address string) (Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[NormalizeAddress(address)]
	return dev, ok
}

// Devices returns all devices ordered by address.
func (d *Directory) Devices() []Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of devices.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}

// State returns the last recorded state of address.
func (d *Directory) State(address string) (DeviceState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.states[address]
	if !ok {
		return DeviceState{}, false
	}
	if st.Fields != nil {
		fields := make(map[string]string, len(st.Fields))
		for k, v := range st.Fields {
			fields[k] = v
		}
		st.Fields = fields
	}
	return st, true
}

// RecordOnOff stores an on/off change and returns the new state.
func (d *Directory) RecordOnOff(address string, on bool) DeviceState {
	return d.update(address, func(st *DeviceState) { st.On = on })
}

// RecordBrightness stores a brightness change and returns the new state.
func (d *Directory) RecordBrightness(address string, percent int) DeviceState {
	return d.update(address, func(st *DeviceState) { st.Brightness = clampPercent(percent) })
}

// RecordField stores a security field and returns the new state.
func (d *Directory) RecordField(address, field, value string) DeviceState {
	return d.update(address, func(st *DeviceState) {
		if st.Fields == nil {
			st.Fields = make(map[string]string)
		}
		st.Fields[field] = value
	})
}

func (d *Directory) update(address string, fn func(*DeviceState)) DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[address]
	fn(&st)
	st.Updated = time.Now().UTC()
	d.states[address] = st

	out := st
	if st.Fields != nil {
		out.Fields = make(map[string]string, len(st.Fields))
		for k, v := range st.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
