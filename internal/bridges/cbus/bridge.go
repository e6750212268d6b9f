package cbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// History records state changes for trend queries. The InfluxDB client
// implements it. Optional.
type History interface {
	WriteLightingState(address, name string, on bool, percent int)
	WriteSecurityState(address, name, field, value string)
}

// BridgeOptions holds the collaborators of a bridge.
type BridgeOptions struct {
	Config     Config
	MQTTClient MQTTClient

	// Dial overrides how gateway connections are opened. Optional.
	Dial DialFunc

	History History
	Metrics Metrics
	Logger  Logger

	// HealthChecks are dependencies checked by the health reporter. Optional.
	HealthChecks map[string]HealthChecker
}

// Bridge connects a C-Bus network to Gray Logic Core over MQTT.
//
// It handles:
//   - Connecting to C-Gate and discovering the topology
//   - Monitor events → state/event topics
//   - Command topics → C-Gate commands with acknowledgements
//   - Health, clock sync and poll sweeps
//
// Bridge is the StateSink for its own translator: every applied change is
// recorded in the directory and published as a retained state message.
type Bridge struct {
	cfg     Config
	mqtt    MQTTClient
	history History
	metrics Metrics
	logger  Logger

	sup        *Supervisor
	builder    *TopologyBuilder
	dir        *Directory
	tr         *Translator
	ramps      *RampTimers
	commander  *Commander
	poller     *Poller
	dispatcher *Dispatcher
	clock      *ClockScheduler
	health     *HealthReporter

	ctx        context.Context
	ctxCancel  context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
	subscribed atomic.Bool
}

// NewBridge creates a bridge. Call Start to connect.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cbus config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		mqtt:      opts.MQTTClient,
		history:   opts.History,
		metrics:   orNoopMetrics(opts.Metrics),
		logger:    orNoop(opts.Logger),
		dir:       NewDirectory(),
		ramps:     NewRampTimers(),
		ctx:       ctx,
		ctxCancel: cancel,
	}

	supCfg := cfg.supervisorConfig(opts.Metrics)
	supCfg.Dial = opts.Dial
	b.sup = NewSupervisor(supCfg, b.logger)
	b.builder = NewTopologyBuilder(cfg.topologyConfig(), b.sup, b.logger)
	b.tr = NewTranslator(b, cfg.InterfaceUnit, b.logger)
	b.commander = NewCommander(CommanderConfig{
		Network:        cfg.Network,
		Project:        cfg.Project,
		CommandTimeout: cfg.CommandTimeout,
	}, b.sup, b.tr, b.dir, opts.Metrics, b.logger)
	b.poller = NewPoller(cfg.PollAddresses, b.commander, b.dir, b.tr, b.logger)
	b.dispatcher = NewDispatcher(DispatcherConfig{
		Network:         cfg.Network,
		SecurityEnabled: cfg.SecurityEnabled,
		IdleInterval:    cfg.IdleInterval,
		PollEvery:       cfg.PollEvery,
	}, DispatcherDeps{
		Source:     b.sup,
		Directory:  b.dir,
		Translator: b.tr,
		Ramps:      b.ramps,
		Poller:     b.poller,
		Status:     b.commander,
		Metrics:    opts.Metrics,
		Logger:     b.logger,
	})
	b.clock = NewClockScheduler(cfg.ClockSyncInterval, b.commander, b.logger)
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   cfg.BridgeID,
		Version:    cfg.Version,
		Interval:   cfg.HealthInterval,
		Publisher:  opts.MQTTClient,
		Gateway:    b.sup,
		Host:       cfg.Host,
		Port:       cfg.CommandPort,
		Network:    cfg.Network,
		Statistics: b.statistics,
		Checks:     opts.HealthChecks,
	}, b.logger)

	b.sup.OnReady(b.onReady)
	return b, nil
}

// Start connects to C-Gate, discovers the topology and begins serving
// commands and events. It blocks until the first topology is built or ctx
// is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	b.logger.Info("connecting to C-Gate",
		"host", b.cfg.Host,
		"command_port", b.cfg.CommandPort,
		"event_port", b.cfg.EventPort,
		"network", b.cfg.Network,
	)
	if err := b.sup.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	topo, err := b.builder.BuildTopology(ctx)
	if err != nil {
		return fmt.Errorf("discover topology: %w", err)
	}
	b.applyTopology(topo)

	if err := b.mqtt.Subscribe(CommandSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.subscribed.Store(true)
	b.logger.Info("subscribed to commands", "topic", CommandSubscribeTopic())

	b.afterReady(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.dispatcher.Run(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("monitor loop stopped", "error", err)
		}
	}()

	b.clock.Start(b.ctx)
	b.health.SetDeviceCount(b.dir.Len())
	b.health.Start(b.ctx)

	b.logger.Info("cbus bridge started",
		"bridge_id", b.cfg.BridgeID,
		"devices", b.dir.Len(),
	)
	return nil
}

// Stop shuts the bridge down. Closing the channels ends the monitor loop.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.subscribed.Load() {
			if err := b.mqtt.Unsubscribe(CommandSubscribeTopic()); err != nil {
				b.logger.Warn("unsubscribing from commands failed", "error", err)
			}
		}
		b.ctxCancel()
		b.ramps.Stop()
		b.clock.Stop()
		if err := b.sup.Close(); err != nil {
			b.logger.Error("closing C-Gate channels failed", "error", err)
		}
		b.wg.Wait()
		b.health.Stop()
		b.logger.Info("cbus bridge stopped")
	})
}

// Topology returns the current topology snapshot.
func (b *Bridge) Topology() *Topology {
	return b.tr.Topology()
}

// Directory returns the device directory.
func (b *Bridge) Directory() *Directory {
	return b.dir
}

// Commander returns the command sender.
func (b *Bridge) Commander() *Commander {
	return b.commander
}

// Connected reports whether C-Gate is ready.
func (b *Bridge) Connected() bool {
	return b.sup.IsConnected()
}

// onReady runs after every (re)connect. Before the first topology there is
// nothing to refresh.
func (b *Bridge) onReady(ctx context.Context) {
	if b.tr.Topology() == nil {
		return
	}
	b.afterReady(ctx)
}

// afterReady asks the panel for status and pushes the clock.
func (b *Bridge) afterReady(ctx context.Context) {
	if b.cfg.SecurityEnabled {
		for _, report := range []int{1, 2} {
			if err := b.commander.RequestSecurityStatus(ctx, report); err != nil {
				b.logger.Warn("security status request failed", "report", report, "error", err)
			}
		}
	}
	if b.cfg.ClockSyncInterval > 0 {
		b.clock.SyncNow(ctx)
	}
}

// applyTopology installs a snapshot, seeds host state from the discovered
// levels and publishes discovery.
func (b *Bridge) applyTopology(topo *Topology) {
	b.tr.SetTopology(topo)
	b.dir.Replace(topo)

	for _, g := range topo.SortedGroups() {
		dev, ok := b.dir.Lookup(g.Address)
		if !ok {
			continue
		}
		if err := b.tr.ApplyLighting(dev, g.Level > 0, g.Level, SourcePoll); err != nil {
			b.logger.Warn("seeding state failed", "address", g.Address, "error", err)
		}
	}

	msg := NewDiscoveryMessage(b.cfg.BridgeID, b.cfg.Network, b.dir.Devices())
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal discovery", "error", err)
		return
	}
	if err := b.mqtt.Publish(DiscoveryTopic(), payload, 1, true); err != nil {
		b.logger.Error("failed to publish discovery", "error", err)
	}
}

// handleMQTTMessage processes a command from Core.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	address, err := addressFromTopic(topic)
	if err != nil {
		b.logger.Error("invalid command topic", "topic", topic, "error", err)
		return
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Error("failed to parse command", "topic", topic, "error", err)
		return
	}

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"address", address,
		"command", cmd.Command,
	)

	dev, ok := b.dir.Lookup(address)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownDevice, address)
		status, code := classifyCommandError(err)
		b.publishAck(NewAckError(cmd, address, status, code, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CommandTimeout+time.Second)
	defer cancel()

	if err := b.executeCommand(ctx, cmd, dev); err != nil {
		status, code := classifyCommandError(err)
		b.publishAck(NewAckError(cmd, address, status, code, err.Error()))
		return
	}
	b.publishAck(NewAckMessage(cmd, AckAccepted, address))
}

// errInvalidCommand marks unknown or misapplied commands.
var errInvalidCommand = errors.New("invalid command")

// errInvalidParameters marks missing or malformed parameters.
var errInvalidParameters = errors.New("invalid parameters")

func (b *Bridge) executeCommand(ctx context.Context, cmd CommandMessage, dev Device) error {
	if cmd.Command == "status_request" {
		if dev.Class != ClassSecurityPanel {
			return fmt.Errorf("%w: status_request needs the security panel", errInvalidCommand)
		}
		for _, report := range []int{1, 2} {
			if err := b.commander.RequestSecurityStatus(ctx, report); err != nil {
				return err
			}
		}
		return nil
	}

	if dev.Class != ClassLighting {
		return fmt.Errorf("%w: %s on %s device", errInvalidCommand, cmd.Command, dev.Class)
	}

	switch cmd.Command {
	case "on":
		return b.commander.On(ctx, dev)
	case "off":
		return b.commander.Off(ctx, dev)
	case "toggle":
		return b.commander.Toggle(ctx, dev)
	case "dim":
		level, err := intParam(cmd.Parameters, "level")
		if err != nil {
			return err
		}
		return b.commander.SetBrightness(ctx, dev, level)
	case "ramp":
		level, err := intParam(cmd.Parameters, "level")
		if err != nil {
			return err
		}
		if level < 0 || level > 100 {
			return fmt.Errorf("%w: %d%%", ErrInvalidLevel, level)
		}
		seconds, err := intParam(cmd.Parameters, "duration")
		if err != nil {
			seconds = 0
		}
		return b.commander.Ramp(ctx, dev, ToDeviceScale(level), time.Duration(seconds)*time.Second)
	case "brighten":
		by, err := intParam(cmd.Parameters, "by")
		if err != nil {
			return err
		}
		return b.commander.BrightenBy(ctx, dev, by)
	case "dim_by":
		by, err := intParam(cmd.Parameters, "by")
		if err != nil {
			return err
		}
		return b.commander.DimBy(ctx, dev, by)
	case "terminate_ramp":
		return b.commander.TerminateRamp(ctx, dev)
	case "label":
		tmpl, ok := cmd.Parameters["template"].(string)
		if !ok {
			return fmt.Errorf("%w: template must be a string", errInvalidParameters)
		}
		st, _ := b.dir.State(dev.Address)
		text, err := RenderLabel(tmpl, LabelVariables(dev, st, time.Now()))
		if err != nil {
			return err
		}
		return b.commander.Label(ctx, dev, text)
	default:
		return fmt.Errorf("%w: %q", errInvalidCommand, cmd.Command)
	}
}

func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", errInvalidParameters, key)
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %q must be an integer", errInvalidParameters, key)
		}
		return int(n), nil
	case int:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", errInvalidParameters, key, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", errInvalidParameters, key)
	}
}

// classifyCommandError maps a command error to an ack status and code.
func classifyCommandError(err error) (AckStatus, string) {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return AckFailed, ErrCodeDeviceUnknown
	case errors.Is(err, ErrNoAcknowledgement):
		return AckTimeout, ErrCodeTimeout
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionLost):
		return AckFailed, ErrCodeNotConnected
	case errors.Is(err, ErrCommandRejected):
		return AckFailed, ErrCodeRejected
	case errors.Is(err, errInvalidCommand):
		return AckFailed, ErrCodeInvalidCommand
	case errors.Is(err, errInvalidParameters), errors.Is(err, ErrInvalidLevel),
		errors.Is(err, ErrLabelTemplate), errors.Is(err, ErrInvalidAddress):
		return AckFailed, ErrCodeInvalidParameters
	default:
		return AckFailed, ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.Address), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "error", err)
	}
}

// ApplyOnOff implements StateSink.
func (b *Bridge) ApplyOnOff(dev Device, on bool) error {
	st := b.dir.RecordOnOff(dev.Address, on)
	if b.history != nil {
		b.history.WriteLightingState(dev.Address, dev.Name, st.On, st.Brightness)
	}
	return b.publishState(dev, st)
}

// ApplyBrightness implements StateSink.
func (b *Bridge) ApplyBrightness(dev Device, percent int) error {
	st := b.dir.RecordBrightness(dev.Address, percent)
	if b.history != nil {
		b.history.WriteLightingState(dev.Address, dev.Name, st.On, st.Brightness)
	}
	return b.publishState(dev, st)
}

// ApplySecurityField implements StateSink.
func (b *Bridge) ApplySecurityField(dev Device, field, value string) error {
	st := b.dir.RecordField(dev.Address, field, value)
	if b.history != nil {
		b.history.WriteSecurityState(dev.Address, dev.Name, field, value)
	}
	return b.publishState(dev, st)
}

// BroadcastEvent implements StateSink.
func (b *Bridge) BroadcastEvent(eventType string, payload map[string]any) error {
	data, err := json.Marshal(NewEventMessage(eventType, payload))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.mqtt.Publish(EventTopic(eventType), data, 1, false); err != nil {
		return fmt.Errorf("publish event %s: %w", eventType, err)
	}
	return nil
}

func (b *Bridge) publishState(dev Device, st DeviceState) error {
	state := make(map[string]any)
	switch dev.Class {
	case ClassLighting:
		state["on"] = st.On
		if dev.IsDimmer() {
			state["level"] = st.Brightness
		}
	default:
		for k, v := range st.Fields {
			state[k] = v
		}
	}

	payload, err := json.Marshal(NewStateMessage(dev, state))
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := b.mqtt.Publish(StateTopic(dev.Address), payload, 1, true); err != nil {
		return fmt.Errorf("publish state %s: %w", dev.Address, err)
	}
	return nil
}

func (b *Bridge) statistics() BridgeStatistics {
	ds := b.dispatcher.Stats()
	return BridgeStatistics{
		LinesRead:     ds.LinesRead,
		EventsHandled: ds.EventsHandled,
		EventsIgnored: ds.EventsIgnored,
		HandlerErrors: ds.HandlerErrors,
		PendingRamps:  b.ramps.Len(),
		PollSweeps:    ds.PollSweeps,
	}
}
