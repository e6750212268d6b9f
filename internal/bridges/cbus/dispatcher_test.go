package cbus

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeStatus records security status requests.
type fakeStatus struct {
	mu      sync.Mutex
	reports []int
}

func (f *fakeStatus) RequestSecurityStatus(_ context.Context, report int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeStatus) Reports() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.reports...)
}

// countingSweeper counts poll sweeps.
type countingSweeper struct{ sweeps atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context) error {
	c.sweeps.Add(1)
	return nil
}

type dispatcherFixture struct {
	d      *Dispatcher
	sink   *recordingSink
	status *fakeStatus
	logger *testLogger
}

func newDispatcherFixture(t *testing.T, security bool) *dispatcherFixture {
	t.Helper()
	topo := testTopology()
	sink := newRecordingSink()
	tr := NewTranslator(sink, "11", nil)
	tr.SetTopology(topo)
	dir := NewDirectory()
	dir.Replace(topo)

	fx := &dispatcherFixture{sink: sink, status: &fakeStatus{}, logger: &testLogger{}}
	fx.d = NewDispatcher(DispatcherConfig{
		Network:         "254",
		SecurityEnabled: security,
	}, DispatcherDeps{
		Directory:  dir,
		Translator: tr,
		Status:     fx.status,
		Logger:     fx.logger,
	})
	t.Cleanup(fx.d.Ramps().Stop)
	return fx
}

func TestDispatcherHeldDimmerPress(t *testing.T) {
	fx := newDispatcherFixture(t, false)
	ctx := context.Background()

	fx.d.HandleLine(ctx, "lighting ramp 254/56/4 level=128 10 //PROJ/254")
	if !fx.d.Ramps().Pending("254/56/4") {
		t.Fatal("ramp not pending after ramp event")
	}
	if _, ok := fx.sink.OnOff("254/56/4"); ok {
		t.Error("state applied before the ramp completed")
	}

	fx.d.HandleLine(ctx, "lighting terminateramp 254/56/4 level=0 //PROJ/254")
	if fx.d.Ramps().Pending("254/56/4") {
		t.Error("ramp still pending after terminateramp")
	}
	if on, ok := fx.sink.OnOff("254/56/4"); !ok || on {
		t.Errorf("on = %v (%v), want off", on, ok)
	}
	if p, _ := fx.sink.Brightness("254/56/4"); p != 0 {
		t.Errorf("brightness = %d, want 0", p)
	}
	if got := fx.d.Stats().EventsHandled; got != 2 {
		t.Errorf("EventsHandled = %d, want 2", got)
	}
}

func TestDispatcherTimedRampCompletes(t *testing.T) {
	fx := newDispatcherFixture(t, false)

	fx.d.HandleLine(context.Background(), "lighting ramp 254/56/9 level=255 1")
	waitFor(t, 3*time.Second, "ramp to complete", func() bool {
		on, ok := fx.sink.OnOff("254/56/9")
		return ok && on
	})
	if p, _ := fx.sink.Brightness("254/56/9"); p != 100 {
		t.Errorf("brightness = %d, want 100", p)
	}
	if fx.d.Ramps().Pending("254/56/9") {
		t.Error("ramp still pending after firing")
	}
}

func TestDispatcherTerminateRampWithoutLevel(t *testing.T) {
	fx := newDispatcherFixture(t, false)
	ctx := context.Background()

	fx.d.HandleLine(ctx, "lighting ramp 254/56/4 level=200 10")
	fx.d.HandleLine(ctx, "lighting terminateramp 254/56/4")

	if fx.d.Ramps().Pending("254/56/4") {
		t.Error("ramp still pending")
	}
	if fx.sink.Calls() != 0 {
		t.Errorf("sink calls = %d, want 0 for terminateramp without a level", fx.sink.Calls())
	}
}

func TestDispatcherInstantRamp(t *testing.T) {
	fx := newDispatcherFixture(t, false)

	fx.d.HandleLine(context.Background(), "lighting ramp 254/56/4 level=153 0 #sourceunit=20")
	if p, _ := fx.sink.Brightness("254/56/4"); p != 60 {
		t.Errorf("brightness = %d, want 60", p)
	}
	if len(fx.sink.Events(EventTypeManuallyChanged)) != 1 {
		t.Error("manually_changed not raised for a key switch ramp")
	}
}

func TestDispatcherRelayOn(t *testing.T) {
	fx := newDispatcherFixture(t, false)

	fx.d.HandleLine(context.Background(), "lighting on 254/56/7 //PROJ/254")

	if on, _ := fx.sink.OnOff("254/56/7"); !on {
		t.Error("on = false, want true")
	}
	if _, ok := fx.sink.Brightness("254/56/7"); ok {
		t.Error("brightness applied to a relay group")
	}
	if len(fx.sink.Events(EventTypeLightingChanged)) != 1 {
		t.Error("lighting_changed not raised")
	}
}

func TestDispatcherOnCancelsPendingRamp(t *testing.T) {
	fx := newDispatcherFixture(t, false)
	ctx := context.Background()

	fx.d.HandleLine(ctx, "lighting ramp 254/56/4 level=100 10")
	fx.d.HandleLine(ctx, "lighting off 254/56/4")

	if fx.d.Ramps().Pending("254/56/4") {
		t.Error("ramp still pending after off")
	}
	if on, _ := fx.sink.OnOff("254/56/4"); on {
		t.Error("on = true, want false")
	}
}

func TestDispatcherUnknownAddress(t *testing.T) {
	fx := newDispatcherFixture(t, false)

	fx.d.HandleLine(context.Background(), "lighting on 254/56/99")
	if fx.sink.Calls() != 0 {
		t.Errorf("sink calls = %d, want 0", fx.sink.Calls())
	}
	if got := fx.d.Stats().HandlerErrors; got != 0 {
		t.Errorf("HandlerErrors = %d, want 0", got)
	}
}

func TestDispatcherIgnoresUnknownKeys(t *testing.T) {
	fx := newDispatcherFixture(t, false)

	fx.d.HandleLine(context.Background(), "measurement data 254/228/0 1 2")
	fx.d.HandleLine(context.Background(), "x")

	stats := fx.d.Stats()
	if stats.EventsIgnored != 1 {
		t.Errorf("EventsIgnored = %d, want 1", stats.EventsIgnored)
	}
	if stats.EventsHandled != 0 {
		t.Errorf("EventsHandled = %d, want 0", stats.EventsHandled)
	}
}

func TestDispatcherSecurityDisabled(t *testing.T) {
	fx := newDispatcherFixture(t, false)

	fx.d.HandleLine(context.Background(), "security status_report_1 254/208 1 0 1 0 1")
	if fx.sink.Calls() != 0 {
		t.Errorf("sink calls = %d, want 0 with security disabled", fx.sink.Calls())
	}
	if got := fx.d.Stats().EventsIgnored; got != 1 {
		t.Errorf("EventsIgnored = %d, want 1", got)
	}
}

func TestDispatcherStatusReport1(t *testing.T) {
	fx := newDispatcherFixture(t, true)

	fx.d.HandleLine(context.Background(), "security status_report_1 254/208 1 0 1 0 1 2")

	panel := PanelAddress("254")
	if v, _ := fx.sink.Field(panel, FieldArmState); v != ArmAway {
		t.Errorf("arm_state = %q, want %q", v, ArmAway)
	}
	if _, ok := fx.sink.Field(panel, FieldTamper); ok {
		t.Error("tamper applied for a 0 flag")
	}
	if v, _ := fx.sink.Field(panel, FieldPanic); v != PanicActivated {
		t.Errorf("panic = %q, want %q", v, PanicActivated)
	}
	if v, _ := fx.sink.Field("254/208/1", FieldZoneState); v != ZoneMonitoring {
		t.Errorf("zone 1 = %q, want %q", v, ZoneMonitoring)
	}
	if v, _ := fx.sink.Field("254/208/2", FieldZoneState); v != ZoneTriggered {
		t.Errorf("zone 2 = %q, want %q", v, ZoneTriggered)
	}
	if got := fx.d.Stats().HandlerErrors; got != 0 {
		t.Errorf("HandlerErrors = %d, want 0 (zone 3 is not configured)", got)
	}
}

func TestDispatcherStatusReport1Short(t *testing.T) {
	fx := newDispatcherFixture(t, true)

	fx.d.HandleLine(context.Background(), "security status_report_1 254/208 1")
	if got := fx.d.Stats().HandlerErrors; got != 1 {
		t.Errorf("HandlerErrors = %d, want 1", got)
	}
	if !fx.logger.Has("error", "C-Bus event handling failed") {
		t.Error("handler error not logged")
	}
}

func TestDispatcherSecurityEvents(t *testing.T) {
	tests := []struct {
		line    string
		address string
		field   string
		want    string
	}{
		{"security zone_unsealed 254/208 2", "254/208/2", FieldZoneState, ZoneTriggered},
		{"security zone_sealed 254/208/1", "254/208/1", FieldZoneState, ZoneMonitoring},
		{"security zone_isolated 254/208 1", "254/208/1", FieldZoneState, ZoneIsolated},
		{"security system_arm 254/208 2", "254/208", FieldArmState, ArmNight},
		{"security exit_delay_started 254/208", "254/208", FieldArmState, ArmExitDelay},
		{"security alarm_on 254/208 4", "254/208", FieldAlarm, "fire"},
		{"security current_alarm_type 254/208 1", "254/208", FieldAlarm, "intruder"},
		{"security tamper_on 254/208", "254/208", FieldTamper, TamperOn},
		{"security low_battery_detected 254/208", "254/208", FieldBattery, BatteryLow},
		{"security mains_restored 254/208", "254/208", FieldMains, MainsOK},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			fx := newDispatcherFixture(t, true)
			fx.d.HandleLine(context.Background(), tt.line)
			if v, _ := fx.sink.Field(tt.address, tt.field); v != tt.want {
				t.Errorf("%s %s = %q, want %q", tt.address, tt.field, v, tt.want)
			}
			if len(fx.sink.Events(EventTypeSecurityChanged)) != 1 {
				t.Error("security_changed not raised")
			}
		})
	}
}

func TestDispatcherAlarmOffRequestsStatus(t *testing.T) {
	fx := newDispatcherFixture(t, true)

	fx.d.HandleLine(context.Background(), "security alarm_off 254/208")

	if v, _ := fx.sink.Field("254/208", FieldAlarm); v != AlarmCleared {
		t.Errorf("alarm = %q, want %q", v, AlarmCleared)
	}
	reports := fx.status.Reports()
	if len(reports) != 2 || reports[0] != 1 || reports[1] != 2 {
		t.Errorf("status requests = %v, want [1 2]", reports)
	}
}

func TestDispatcherIgnoresUnknownCodes(t *testing.T) {
	fx := newDispatcherFixture(t, true)

	fx.d.HandleLine(context.Background(), "security system_arm 254/208 9")
	fx.d.HandleLine(context.Background(), "security current_alarm_type 254/208 42")

	if got := fx.d.Stats().HandlerErrors; got != 0 {
		t.Errorf("HandlerErrors = %d, want 0 for unknown codes", got)
	}
	if fx.logger.Has("error", "C-Bus event handling failed") {
		t.Error("unknown code logged as an error")
	}
	if fx.sink.Calls() != 0 {
		t.Errorf("sink calls = %d, want 0", fx.sink.Calls())
	}

	// A missing code is still a malformed event.
	fx.d.HandleLine(context.Background(), "security system_arm 254/208")
	if got := fx.d.Stats().HandlerErrors; got != 1 {
		t.Errorf("HandlerErrors = %d, want 1 for a missing code", got)
	}
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	topo := testTopology()
	tr := NewTranslator(&panickingSink{}, "", nil)
	tr.SetTopology(topo)
	dir := NewDirectory()
	dir.Replace(topo)
	logger := &testLogger{}

	d := NewDispatcher(DispatcherConfig{}, DispatcherDeps{
		Directory:  dir,
		Translator: tr,
		Logger:     logger,
	})

	d.HandleLine(context.Background(), "lighting on 254/56/4")

	if got := d.Stats().HandlerPanics; got != 1 {
		t.Errorf("HandlerPanics = %d, want 1", got)
	}
	if !logger.Has("error", "C-Bus event handler panicked") {
		t.Error("panic not logged")
	}
}

func TestDispatcherRun(t *testing.T) {
	f := newFakeCGate()
	sup := newTestSupervisor(t, f, nil)

	topo := testTopology()
	sink := newRecordingSink()
	tr := NewTranslator(sink, "", nil)
	tr.SetTopology(topo)
	dir := NewDirectory()
	dir.Replace(topo)
	sweeper := &countingSweeper{}

	d := NewDispatcher(DispatcherConfig{
		Network:      "254",
		IdleInterval: 10 * time.Millisecond,
		PollEvery:    2,
	}, DispatcherDeps{
		Source:     sup,
		Directory:  dir,
		Translator: tr,
		Poller:     sweeper,
	})
	defer d.Ramps().Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	if err := f.Push("lighting on 254/56/7"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if err := f.Push("lighting off 254/56/4"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	waitFor(t, 2*time.Second, "events applied", func() bool {
		on7, ok7 := sink.OnOff("254/56/7")
		on4, ok4 := sink.OnOff("254/56/4")
		return ok7 && on7 && ok4 && !on4
	})
	waitFor(t, 2*time.Second, "poll sweep", func() bool { return sweeper.sweeps.Load() == 1 })
	if got := d.Stats().LinesRead; got != 2 {
		t.Errorf("LinesRead = %d, want 2", got)
	}

	cancel()
	sup.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after shutdown")
	}
}

func TestDispatcherResumesAfterReconnect(t *testing.T) {
	f := newFakeCGate()
	sup := newTestSupervisor(t, f, nil)

	topo := testTopology()
	sink := newRecordingSink()
	tr := NewTranslator(sink, "", nil)
	tr.SetTopology(topo)
	dir := NewDirectory()
	dir.Replace(topo)

	d := NewDispatcher(DispatcherConfig{
		Network:      "254",
		IdleInterval: 10 * time.Millisecond,
	}, DispatcherDeps{
		Source:     sup,
		Directory:  dir,
		Translator: tr,
	})
	defer d.Ramps().Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx) //nolint:errcheck

	if err := f.Push("lighting on 254/56/7"); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	waitFor(t, 2*time.Second, "event before drop", func() bool {
		on, ok := sink.OnOff("254/56/7")
		return ok && on
	})

	f.DropMonitors()
	waitFor(t, 5*time.Second, "reconnect", func() bool {
		return sup.Stats().ReconnectsTotal == 1 && sup.IsConnected()
	})

	if err := f.Push("lighting off 254/56/7"); err != nil {
		t.Fatalf("Push() after reconnect error: %v", err)
	}
	waitFor(t, 2*time.Second, "event after reconnect", func() bool {
		on, ok := sink.OnOff("254/56/7")
		return ok && !on
	})

	if tr.Topology() != topo {
		t.Error("topology replaced by the reconnect")
	}
	if _, ok := dir.Lookup("254/56/9"); !ok {
		t.Error("directory lost a device across the reconnect")
	}
}

// deadMonitorSource hands out a monitor channel whose peer has gone away.
type deadMonitorSource struct {
	ch    *Channel
	calls atomic.Int32
}

func (s *deadMonitorSource) Monitor() (*Channel, error) {
	s.calls.Add(1)
	return s.ch, nil
}

func TestDispatcherRunBacksOffOnReadErrors(t *testing.T) {
	local, remote := net.Pipe()
	remote.Close()
	ch, err := NewChannel("monitor", local, nil)
	if err != nil {
		t.Fatalf("NewChannel() error: %v", err)
	}
	defer ch.Close()

	src := &deadMonitorSource{ch: ch}
	sweeper := &countingSweeper{}
	d := NewDispatcher(DispatcherConfig{
		Network:      "254",
		IdleInterval: 50 * time.Millisecond,
		PollEvery:    1,
	}, DispatcherDeps{
		Source:     src,
		Directory:  NewDirectory(),
		Translator: NewTranslator(newRecordingSink(), "", nil),
		Poller:     sweeper,
	})
	defer d.Ramps().Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}

	if calls := src.calls.Load(); calls > 10 {
		t.Errorf("monitor reads = %d in 300ms, want a pause between failed reads", calls)
	}
	if got := d.Stats().LinesRead; got != 0 {
		t.Errorf("LinesRead = %d, want 0", got)
	}
	if got := sweeper.sweeps.Load(); got != 0 {
		t.Errorf("sweeps = %d, want 0 (failed reads are not counted)", got)
	}
}

func TestDispatcherRunPollingDisabled(t *testing.T) {
	f := newFakeCGate()
	sup := newTestSupervisor(t, f, nil)

	topo := testTopology()
	tr := NewTranslator(newRecordingSink(), "", nil)
	tr.SetTopology(topo)
	dir := NewDirectory()
	dir.Replace(topo)
	sweeper := &countingSweeper{}

	d := NewDispatcher(DispatcherConfig{
		Network:      "254",
		IdleInterval: 10 * time.Millisecond,
	}, DispatcherDeps{
		Source:     sup,
		Directory:  dir,
		Translator: tr,
		Poller:     sweeper,
	})
	defer d.Ramps().Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	for i := 0; i < 3; i++ {
		if err := f.Push("lighting on 254/56/7"); err != nil {
			t.Fatalf("Push() error: %v", err)
		}
	}
	waitFor(t, 2*time.Second, "lines read", func() bool { return d.Stats().LinesRead == 3 })
	if got := sweeper.sweeps.Load(); got != 0 {
		t.Errorf("sweeps = %d, want 0 with PollEvery unset", got)
	}

	cancel()
	sup.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after shutdown")
	}
}
