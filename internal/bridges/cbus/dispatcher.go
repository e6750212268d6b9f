package cbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const defaultIdleInterval = 5 * time.Second

// DispatcherConfig holds monitor loop settings.
type DispatcherConfig struct {
	Network         string
	SecurityEnabled bool

	// IdleInterval is the sleep between checks while disconnected.
	IdleInterval time.Duration

	// PollEvery runs a poll sweep after this many monitor lines. Idle
	// wake-ups while disconnected are not counted. Zero disables polling.
	PollEvery int
}

// eventSource hands out the monitor channel. *Supervisor implements it.
type eventSource interface {
	Monitor() (*Channel, error)
}

// Sweeper reconciles host state by polling the bus.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// StatusRequester asks the security panel to re-send its status reports.
type StatusRequester interface {
	RequestSecurityStatus(ctx context.Context, report int) error
}

// DispatcherStats holds monitor loop counters.
type DispatcherStats struct {
	LinesRead     uint64
	EventsHandled uint64
	EventsIgnored uint64
	HandlerErrors uint64
	HandlerPanics uint64
	PollSweeps    uint64
	LastEventTime time.Time
}

// Dispatcher reads the monitor channel and applies each event to the host.
type Dispatcher struct {
	cfg DispatcherConfig
	src eventSource

	dir     DeviceDirectory
	tr      *Translator
	ramps   *RampTimers
	poller  Sweeper
	status  StatusRequester
	metrics Metrics
	logger  Logger

	linesRead     atomic.Uint64
	eventsHandled atomic.Uint64
	eventsIgnored atomic.Uint64
	handlerErrors atomic.Uint64
	handlerPanics atomic.Uint64
	pollSweeps    atomic.Uint64
	lastEvent     atomic.Int64
}

// DispatcherDeps are the collaborators of a Dispatcher. Poller, Status and
// Metrics are optional.
type DispatcherDeps struct {
	Source     eventSource
	Directory  DeviceDirectory
	Translator *Translator
	Ramps      *RampTimers
	Poller     Sweeper
	Status     StatusRequester
	Metrics    Metrics
	Logger     Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, deps DispatcherDeps) *Dispatcher {
	if cfg.Network == "" {
		cfg.Network = "254"
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if cfg.PollEvery < 0 {
		cfg.PollEvery = 0
	}
	ramps := deps.Ramps
	if ramps == nil {
		ramps = NewRampTimers()
	}
	return &Dispatcher{
		cfg:     cfg,
		src:     deps.Source,
		dir:     deps.Directory,
		tr:      deps.Translator,
		ramps:   ramps,
		poller:  deps.Poller,
		status:  deps.Status,
		metrics: orNoopMetrics(deps.Metrics),
		logger:  orNoop(deps.Logger),
	}
}

// Run reads and dispatches monitor lines until ctx is cancelled. While the
// gateway is not connected it sleeps IdleInterval between checks.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		mon, err := d.src.Monitor()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.IdleInterval):
			}
			continue
		}

		line, err := mon.ReadLine(0)
		if err != nil {
			// The supervisor has seen the loss; wait for it to reconnect.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.IdleInterval):
			}
			continue
		}

		n := d.linesRead.Add(1)
		d.HandleLine(ctx, line)

		if d.poller != nil && d.cfg.PollEvery > 0 && n%uint64(d.cfg.PollEvery) == 0 {
			d.pollSweeps.Add(1)
			if err := d.poller.Sweep(ctx); err != nil {
				d.logger.Warn("poll sweep failed", "error", err)
			}
		}
	}
}

// HandleLine parses and dispatches one monitor line. Handler panics are
// recovered and logged.
func (d *Dispatcher) HandleLine(ctx context.Context, line string) {
	ev, ok := ParseEvent(line)
	if !ok {
		return
	}
	if ev.Kind == EventUnknown || (ev.Kind.IsSecurity() && !d.cfg.SecurityEnabled) {
		d.eventsIgnored.Add(1)
		d.logger.Debug("ignoring C-Bus event", "key", ev.Key)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.handlerPanics.Add(1)
			d.metrics.EventFailed(ev.Key)
			d.logger.Error("C-Bus event handler panicked",
				"key", ev.Key,
				"line", ev.Raw,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	d.lastEvent.Store(time.Now().Unix())
	if err := d.dispatch(ctx, ev); err != nil {
		d.handlerErrors.Add(1)
		d.metrics.EventFailed(ev.Key)
		d.logger.Error("C-Bus event handling failed",
			"key", ev.Key,
			"address", ev.Address,
			"error", err,
		)
		return
	}
	d.eventsHandled.Add(1)
	d.metrics.EventHandled(ev.Key)
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventLightingRamp:
		return d.handleRamp(ev)
	case EventLightingTerminateRamp:
		return d.handleTerminateRamp(ev)
	case EventLightingOn:
		return d.handleOnOff(ev, true)
	case EventLightingOff:
		return d.handleOnOff(ev, false)

	case EventZoneUnsealed:
		return d.applyZone(ev, ZoneTriggered)
	case EventZoneSealed:
		return d.applyZone(ev, ZoneMonitoring)
	case EventZoneOpen:
		return d.applyZone(ev, ZoneOpen)
	case EventZoneShort:
		return d.applyZone(ev, ZoneShort)
	case EventZoneIsolated:
		return d.applyZone(ev, ZoneIsolated)

	case EventArmNotReady:
		return d.applyPanel(FieldArmState, ArmNotReady)
	case EventArmReady:
		return d.applyPanel(FieldArmState, ArmReady)
	case EventSystemArm:
		return d.handleSystemArm(ev)
	case EventSystemDisarmed:
		return d.applyPanel(FieldArmState, ArmDisarmed)
	case EventExitDelayStarted:
		return d.applyPanel(FieldArmState, ArmExitDelay)
	case EventEntryDelayStarted:
		return d.applyPanel(FieldArmState, ArmEntryDelay)

	case EventAlarmOn:
		return d.handleAlarmOn(ev)
	case EventCurrentAlarmType:
		return d.handleAlarmType(ev)
	case EventAlarmOff:
		return d.handleAlarmOff(ctx)

	case EventTamperOn:
		return d.applyPanel(FieldTamper, TamperOn)
	case EventTamperOff:
		return d.applyPanel(FieldTamper, TamperOff)
	case EventPanicActivated:
		return d.applyPanel(FieldPanic, PanicActivated)
	case EventPanicCleared:
		return d.applyPanel(FieldPanic, PanicCleared)

	case EventBatteryCharging:
		return d.applyPanel(FieldBattery, BatteryCharging)
	case EventLowBatteryDetected:
		return d.applyPanel(FieldBattery, BatteryLow)
	case EventLowBatteryCorrected:
		return d.applyPanel(FieldBattery, BatteryOK)
	case EventMainsFailure:
		return d.applyPanel(FieldMains, MainsFailed)
	case EventMainsRestored:
		return d.applyPanel(FieldMains, MainsOK)

	case EventStatusReport1:
		return d.handleStatusReport1(ev)
	case EventStatusReport2:
		return d.handleStatusReport2(ev)

	case EventUnknown:
		return nil
	}
	return nil
}

// lightingDevice resolves the device for a lighting event. Events for
// addresses the host does not know are dropped.
func (d *Dispatcher) lightingDevice(ev Event) (Device, bool) {
	dev, ok := d.dir.Lookup(ev.Address)
	if !ok || dev.Class != ClassLighting {
		d.logger.Debug("no device for C-Bus address", "address", ev.Address, "key", ev.Key)
		return Device{}, false
	}
	return dev, true
}

func (d *Dispatcher) handleRamp(ev Event) error {
	dev, ok := d.lightingDevice(ev)
	if !ok {
		return nil
	}
	args := parseLightingArgs(ev.Args)

	if args.duration <= 0 {
		d.ramps.Cancel(dev.Address)
		d.metrics.PendingRamps(d.ramps.Len())
		return d.tr.ApplyLighting(dev, args.level > 0, args.level, args.sourceUnit)
	}

	d.ramps.Schedule(dev.Address, args.level, args.sourceUnit, time.Duration(args.duration)*time.Second,
		func(target int, sourceUnit string) {
			if err := d.tr.ApplyLighting(dev, target > 0, target, sourceUnit); err != nil {
				d.logger.Error("applying ramp target failed", "address", dev.Address, "error", err)
			}
			d.metrics.PendingRamps(d.ramps.Len())
		})
	d.metrics.PendingRamps(d.ramps.Len())
	return nil
}

func (d *Dispatcher) handleTerminateRamp(ev Event) error {
	dev, ok := d.lightingDevice(ev)
	if !ok {
		return nil
	}
	d.ramps.Cancel(dev.Address)
	d.metrics.PendingRamps(d.ramps.Len())

	args := parseLightingArgs(ev.Args)
	if !args.hasLevel {
		return nil
	}
	return d.tr.ApplyLighting(dev, args.level > 0, args.level, args.sourceUnit)
}

func (d *Dispatcher) handleOnOff(ev Event, on bool) error {
	dev, ok := d.lightingDevice(ev)
	if !ok {
		return nil
	}
	d.ramps.Cancel(dev.Address)
	d.metrics.PendingRamps(d.ramps.Len())

	args := parseLightingArgs(ev.Args)
	level := 0
	if on {
		level = 255
	}
	return d.tr.ApplyLighting(dev, on, level, args.sourceUnit)
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	stats := DispatcherStats{
		LinesRead:     d.linesRead.Load(),
		EventsHandled: d.eventsHandled.Load(),
		EventsIgnored: d.eventsIgnored.Load(),
		HandlerErrors: d.handlerErrors.Load(),
		HandlerPanics: d.handlerPanics.Load(),
		PollSweeps:    d.pollSweeps.Load(),
	}
	if ts := d.lastEvent.Load(); ts > 0 {
		stats.LastEventTime = time.Unix(ts, 0)
	}
	return stats
}

// Ramps returns the ramp timer table.
func (d *Dispatcher) Ramps() *RampTimers {
	return d.ramps
}
