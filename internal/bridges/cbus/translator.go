package cbus

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// Source unit markers for changes that did not come from a bus unit.
const (
	// SourceHost marks state applied after a host-issued command succeeded.
	SourceHost = "host"

	// SourcePoll marks state reconciled by the poll sweep or discovery.
	SourcePoll = "poll"
)

// Host event types raised through StateSink.BroadcastEvent.
const (
	EventTypeLightingChanged = "lighting_changed"
	EventTypeManuallyChanged = "manually_changed"
	EventTypeSecurityChanged = "security_changed"
)

// ToHostScale converts a bus level 0..255 to a host percentage 0..100.
func ToHostScale(level int) int {
	return clampPercent(int(math.Round(float64(clampLevel(level)) / 2.55)))
}

// ToDeviceScale converts a host percentage 0..100 to a bus level 0..255.
func ToDeviceScale(percent int) int {
	return clampLevel(int(math.Round(float64(clampPercent(percent)) * 2.55)))
}

func clampLevel(l int) int {
	return max(0, min(255, l))
}

func clampPercent(p int) int {
	return max(0, min(100, p))
}

// Translator applies bus state to the host.
type Translator struct {
	sink StateSink
	topo atomic.Pointer[Topology]

	// interfaceUnit is the unit id C-Gate uses when it echoes commands this
	// bridge sent; changes from it are not network-originated.
	interfaceUnit string

	logger Logger
}

// NewTranslator creates a translator writing to sink.
func NewTranslator(sink StateSink, interfaceUnit string, logger Logger) *Translator {
	return &Translator{sink: sink, interfaceUnit: interfaceUnit, logger: orNoop(logger)}
}

// SetTopology swaps in a new discovery snapshot.
func (t *Translator) SetTopology(topo *Topology) {
	t.topo.Store(topo)
}

// Topology returns the current snapshot, or nil before discovery.
func (t *Translator) Topology() *Topology {
	return t.topo.Load()
}

// IsNetworkOrigin reports whether a change from sourceUnit came from the bus
// rather than from this bridge.
func (t *Translator) IsNetworkOrigin(sourceUnit string) bool {
	switch sourceUnit {
	case SourceHost, SourcePoll:
		return false
	}
	return t.interfaceUnit == "" || sourceUnit != t.interfaceUnit
}

// ApplyLighting sets on/off and, for dimmers, brightness from a raw bus
// level. Network-originated changes raise lighting_changed, plus
// manually_changed when the source unit is a wall switch.
func (t *Translator) ApplyLighting(dev Device, on bool, raw int, sourceUnit string) error {
	percent := ToHostScale(raw)

	var errs []error
	if err := t.sink.ApplyOnOff(dev, on); err != nil {
		errs = append(errs, fmt.Errorf("apply on/off %s: %w", dev.Address, err))
	}
	if dev.IsDimmer() {
		if err := t.sink.ApplyBrightness(dev, percent); err != nil {
			errs = append(errs, fmt.Errorf("apply brightness %s: %w", dev.Address, err))
		}
	}

	if t.IsNetworkOrigin(sourceUnit) {
		payload := map[string]any{
			"address":     dev.Address,
			"name":        dev.Name,
			"on":          on,
			"level":       percent,
			"source_unit": sourceUnit,
		}
		if err := t.sink.BroadcastEvent(EventTypeLightingChanged, payload); err != nil {
			errs = append(errs, err)
		}
		if unit, ok := t.Topology().Unit(sourceUnit); ok && unit.Kind == KindSwitch {
			if err := t.sink.BroadcastEvent(EventTypeManuallyChanged, payload); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ApplySecurity sets one security field and raises security_changed.
func (t *Translator) ApplySecurity(dev Device, field, value string) error {
	if err := t.sink.ApplySecurityField(dev, field, value); err != nil {
		return fmt.Errorf("apply %s %s: %w", field, dev.Address, err)
	}
	return t.sink.BroadcastEvent(EventTypeSecurityChanged, map[string]any{
		"address": dev.Address,
		"name":    dev.Name,
		"field":   field,
		"value":   value,
	})
}
