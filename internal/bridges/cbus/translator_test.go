package cbus

import (
	"errors"
	"testing"
)

func TestScaleConversion(t *testing.T) {
	tests := []struct {
		level   int
		percent int
	}{
		{0, 0},
		{255, 100},
		{128, 50},
		{153, 60},
		{204, 80},
	}
	for _, tt := range tests {
		if got := ToHostScale(tt.level); got != tt.percent {
			t.Errorf("ToHostScale(%d) = %d, want %d", tt.level, got, tt.percent)
		}
	}

	if got := ToDeviceScale(100); got != 255 {
		t.Errorf("ToDeviceScale(100) = %d, want 255", got)
	}
	if got := ToDeviceScale(60); got != 153 {
		t.Errorf("ToDeviceScale(60) = %d, want 153", got)
	}
	if got := ToDeviceScale(150); got != 255 {
		t.Errorf("ToDeviceScale(150) = %d, want clamped 255", got)
	}
	if got := ToHostScale(-5); got != 0 {
		t.Errorf("ToHostScale(-5) = %d, want clamped 0", got)
	}
}

func TestScaleRoundTrip(t *testing.T) {
	for p := 0; p <= 100; p++ {
		got := ToHostScale(ToDeviceScale(p))
		if got < p-1 || got > p+1 {
			t.Errorf("ToHostScale(ToDeviceScale(%d)) = %d, want within 1", p, got)
		}
	}
	for l := 0; l <= 255; l++ {
		p := ToHostScale(l)
		if p < 0 || p > 100 {
			t.Errorf("ToHostScale(%d) = %d, out of range", l, p)
		}
	}
}

func newTestTranslator() (*Translator, *recordingSink) {
	sink := newRecordingSink()
	tr := NewTranslator(sink, "11", nil)
	tr.SetTopology(testTopology())
	return tr, sink
}

func TestApplyLightingDimmer(t *testing.T) {
	tr, sink := newTestTranslator()
	dev := Device{Address: "254/56/4", Group: "4", Name: "Kitchen", Kind: KindDimmer}

	if err := tr.ApplyLighting(dev, true, 128, ""); err != nil {
		t.Fatalf("ApplyLighting() error: %v", err)
	}
	if on, _ := sink.OnOff("254/56/4"); !on {
		t.Error("on = false, want true")
	}
	if p, ok := sink.Brightness("254/56/4"); !ok || p != 50 {
		t.Errorf("brightness = %d (%v), want 50", p, ok)
	}
	events := sink.Events(EventTypeLightingChanged)
	if len(events) != 1 {
		t.Fatalf("lighting_changed events = %d, want 1", len(events))
	}
	if events[0].Payload["level"] != 50 || events[0].Payload["on"] != true {
		t.Errorf("payload = %v", events[0].Payload)
	}
	if len(sink.Events(EventTypeManuallyChanged)) != 0 {
		t.Error("manually_changed raised without a switch source")
	}
}

func TestApplyLightingRelaySkipsBrightness(t *testing.T) {
	tr, sink := newTestTranslator()
	dev := Device{Address: "254/56/7", Group: "7", Name: "Porch", Kind: KindRelay}

	if err := tr.ApplyLighting(dev, true, 255, ""); err != nil {
		t.Fatalf("ApplyLighting() error: %v", err)
	}
	if on, _ := sink.OnOff("254/56/7"); !on {
		t.Error("on = false, want true")
	}
	if _, ok := sink.Brightness("254/56/7"); ok {
		t.Error("brightness applied to a relay")
	}
}

func TestApplyLightingOrigin(t *testing.T) {
	dev := Device{Address: "254/56/4", Group: "4", Name: "Kitchen", Kind: KindDimmer}

	tests := []struct {
		name        string
		sourceUnit  string
		wantChanged int
		wantManual  int
	}{
		{"no source unit", "", 1, 0},
		{"wall switch", "20", 1, 1},
		{"dimmer pack", "12", 1, 0},
		{"bridge interface unit", "11", 0, 0},
		{"host command", SourceHost, 0, 0},
		{"poll", SourcePoll, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, sink := newTestTranslator()
			if err := tr.ApplyLighting(dev, false, 0, tt.sourceUnit); err != nil {
				t.Fatalf("ApplyLighting() error: %v", err)
			}
			if got := len(sink.Events(EventTypeLightingChanged)); got != tt.wantChanged {
				t.Errorf("lighting_changed = %d, want %d", got, tt.wantChanged)
			}
			if got := len(sink.Events(EventTypeManuallyChanged)); got != tt.wantManual {
				t.Errorf("manually_changed = %d, want %d", got, tt.wantManual)
			}
			// State is applied regardless of origin.
			if _, ok := sink.OnOff(dev.Address); !ok {
				t.Error("on/off not applied")
			}
		})
	}
}

func TestManualChangeWithoutTopology(t *testing.T) {
	sink := newRecordingSink()
	tr := NewTranslator(sink, "", nil)
	dev := Device{Address: "254/56/4", Kind: KindDimmer}

	if err := tr.ApplyLighting(dev, true, 255, "20"); err != nil {
		t.Fatalf("ApplyLighting() error: %v", err)
	}
	if len(sink.Events(EventTypeManuallyChanged)) != 0 {
		t.Error("manually_changed raised with no topology to resolve the unit")
	}
	if len(sink.Events(EventTypeLightingChanged)) != 1 {
		t.Error("lighting_changed not raised")
	}
}

func TestApplySecurity(t *testing.T) {
	tr, sink := newTestTranslator()
	dev := Device{Address: "254/208/1", Name: "Front Door", Class: ClassSecurityZone, ZoneIndex: 1}

	if err := tr.ApplySecurity(dev, FieldZoneState, ZoneTriggered); err != nil {
		t.Fatalf("ApplySecurity() error: %v", err)
	}
	if v, _ := sink.Field("254/208/1", FieldZoneState); v != ZoneTriggered {
		t.Errorf("zone_state = %q, want %q", v, ZoneTriggered)
	}
	events := sink.Events(EventTypeSecurityChanged)
	if len(events) != 1 || events[0].Payload["value"] != ZoneTriggered {
		t.Errorf("security_changed events = %v", events)
	}
}

// failingSink rejects brightness updates.
type failingSink struct{ *recordingSink }

func (failingSink) ApplyBrightness(Device, int) error {
	return errors.New("store unavailable")
}

func TestApplyLightingJoinsErrors(t *testing.T) {
	sink := failingSink{newRecordingSink()}
	tr := NewTranslator(sink, "", nil)
	dev := Device{Address: "254/56/4", Kind: KindDimmer}

	err := tr.ApplyLighting(dev, true, 255, SourceHost)
	if err == nil {
		t.Fatal("ApplyLighting() error = nil, want brightness failure")
	}
	// On/off still lands.
	if on, _ := sink.OnOff("254/56/4"); !on {
		t.Error("on/off not applied after brightness failure")
	}
}
