package cbus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxLabelLength is the longest text a C-Bus label can hold.
const maxLabelLength = 16

// CommanderConfig holds outbound command settings.
type CommanderConfig struct {
	Network string

	// Project is the C-Gate project name used for label commands.
	Project string

	// CommandTimeout bounds the wait for "200 OK".
	CommandTimeout time.Duration
}

// DeviceState is the last state the host holds for a device.
type DeviceState struct {
	On         bool
	Brightness int
	Fields     map[string]string
	Updated    time.Time
}

// StateReader returns the last host state of a device.
type StateReader interface {
	State(address string) (DeviceState, bool)
}

// Commander sends host commands to the bus.
//
// Lighting commands go over the primary channel and block for the
// acknowledgement. Status requests and level polls use the secondary
// channel so the monitor loop never waits on host traffic.
type Commander struct {
	cfg     CommanderConfig
	src     channelSource
	tr      *Translator
	state   StateReader
	metrics Metrics
	logger  Logger
}

// NewCommander creates a command sender. state may be nil, in which case
// relative commands start from zero.
func NewCommander(cfg CommanderConfig, src channelSource, tr *Translator, state StateReader, metrics Metrics, logger Logger) *Commander {
	if cfg.Network == "" {
		cfg.Network = "254"
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &Commander{
		cfg:     cfg,
		src:     src,
		tr:      tr,
		state:   state,
		metrics: orNoopMetrics(metrics),
		logger:  orNoop(logger),
	}
}

// On switches a group fully on.
func (c *Commander) On(ctx context.Context, dev Device) error {
	if err := c.sendPrimary(ctx, "on", "on "+dev.Address); err != nil {
		return err
	}
	return c.tr.ApplyLighting(dev, true, 255, SourceHost)
}

// Off switches a group off.
func (c *Commander) Off(ctx context.Context, dev Device) error {
	if err := c.sendPrimary(ctx, "off", "off "+dev.Address); err != nil {
		return err
	}
	return c.tr.ApplyLighting(dev, false, 0, SourceHost)
}

// Toggle inverts the last known on/off state.
func (c *Commander) Toggle(ctx context.Context, dev Device) error {
	if c.current(dev).On {
		return c.Off(ctx, dev)
	}
	return c.On(ctx, dev)
}

// Ramp moves a group to level (0..255) over duration.
func (c *Commander) Ramp(ctx context.Context, dev Device, level int, duration time.Duration) error {
	if level < 0 || level > 255 {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	if duration < 0 {
		duration = 0
	}
	cmd := fmt.Sprintf("ramp %s %d %ds", dev.Address, level, int(duration.Round(time.Second)/time.Second))
	if err := c.sendPrimary(ctx, "ramp", cmd); err != nil {
		return err
	}
	return c.tr.ApplyLighting(dev, level > 0, level, SourceHost)
}

// SetBrightness sets a host percentage immediately.
func (c *Commander) SetBrightness(ctx context.Context, dev Device, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: %d%%", ErrInvalidLevel, percent)
	}
	return c.Ramp(ctx, dev, ToDeviceScale(percent), 0)
}

// BrightenBy raises brightness by delta percent, clamped to 100.
func (c *Commander) BrightenBy(ctx context.Context, dev Device, delta int) error {
	return c.SetBrightness(ctx, dev, clampPercent(c.current(dev).Brightness+delta))
}

// DimBy lowers brightness by delta percent, clamped to 0.
func (c *Commander) DimBy(ctx context.Context, dev Device, delta int) error {
	return c.SetBrightness(ctx, dev, clampPercent(c.current(dev).Brightness-delta))
}

// TerminateRamp stops a ramp in progress. The resulting level arrives as a
// monitor event.
func (c *Commander) TerminateRamp(ctx context.Context, dev Device) error {
	return c.sendPrimary(ctx, "terminateramp", "terminateramp "+dev.Address)
}

// Label writes text to the display channel of dev's group. Text is cut to
// sixteen characters.
func (c *Commander) Label(ctx context.Context, dev Device, text string) error {
	cmd, err := LabelCommand(c.cfg.Project, c.cfg.Network, dev.Group, text)
	if err != nil {
		return err
	}
	return c.sendPrimary(ctx, "label", cmd)
}

// RequestSecurityStatus asks the panel to send status report 1 or 2.
func (c *Commander) RequestSecurityStatus(ctx context.Context, report int) error {
	if report != 1 && report != 2 {
		return fmt.Errorf("status report must be 1 or 2, got %d", report)
	}
	cmd := fmt.Sprintf("security status_request %s %d", PanelAddress(c.cfg.Network), report)
	return c.send(ctx, ChannelSecondary, "status_request", cmd)
}

// SyncClock broadcasts now as the network time and date.
func (c *Commander) SyncClock(ctx context.Context, now time.Time) error {
	for _, cmd := range ClockCommands(c.cfg.Network, now) {
		if err := c.send(ctx, ChannelSecondary, "clock", cmd); err != nil {
			return err
		}
	}
	return nil
}

// pollLevel matches the level field of a "get <addr> level" reply.
var pollLevel = regexp.MustCompile(`level=(\d+)`)

// PollLevel reads the current bus level of address.
func (c *Commander) PollLevel(ctx context.Context, address string) (int, error) {
	ch, err := c.src.Secondary()
	if err != nil {
		return 0, err
	}
	resp, err := ch.Request(ctx, "get "+address+" level", c.cfg.CommandTimeout)
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, fmt.Errorf("%w: %s", ErrCommandRejected, resp.Final())
	}
	for _, line := range resp.Lines {
		if m := pollLevel.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return 0, fmt.Errorf("parse level %q: %w", m[1], err)
			}
			return clampLevel(n), nil
		}
	}
	return 0, fmt.Errorf("%w: no level in %q", ErrCommandRejected, resp.Final())
}

func (c *Commander) current(dev Device) DeviceState {
	if c.state == nil {
		return DeviceState{}
	}
	st, _ := c.state.State(dev.Address)
	return st
}

func (c *Commander) sendPrimary(ctx context.Context, name, cmd string) error {
	return c.send(ctx, ChannelPrimary, name, cmd)
}

// send writes cmd and waits for "200". Anything else is a failure and is
// logged; the caller leaves host state untouched.
func (c *Commander) send(ctx context.Context, channel, name, cmd string) error {
	err := c.exchange(ctx, channel, cmd)
	c.metrics.CommandSent(name, err)
	if err != nil {
		c.logger.Error("C-Bus command failed",
			"command", cmd,
			"channel", channel,
			"error", err,
		)
		return err
	}
	c.logger.Debug("C-Bus command acknowledged", "command", cmd)
	return nil
}

func (c *Commander) exchange(ctx context.Context, channel, cmd string) error {
	var ch *Channel
	var err error
	if channel == ChannelSecondary {
		ch, err = c.src.Secondary()
	} else {
		ch, err = c.src.Primary()
	}
	if err != nil {
		return err
	}

	resp, err := ch.Request(ctx, cmd, c.cfg.CommandTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return fmt.Errorf("%w: %q", ErrNoAcknowledgement, cmd)
		}
		return err
	}
	switch {
	case resp.Code == 200:
		return nil
	case resp.Code >= 400:
		return fmt.Errorf("%w: %s", ErrCommandRejected, resp.Final())
	default:
		return fmt.Errorf("%w: %s", ErrNoAcknowledgement, resp.Final())
	}
}

// LabelCommand builds the "lighting label" command for a group channel.
func LabelCommand(project, network, group, text string) (string, error) {
	if group == "" {
		return "", fmt.Errorf("%w: empty group", ErrInvalidAddress)
	}
	runes := []rune(text)
	if len(runes) > maxLabelLength {
		runes = runes[:maxLabelLength]
	}
	app := ApplicationAddress(network, AppLighting)
	if project != "" {
		app = "//" + project + "/" + app
	}
	encoded := strings.ToUpper(hex.EncodeToString([]byte(string(runes))))
	return fmt.Sprintf("lighting label %s 1 %s - 0 %s", app, group, encoded), nil
}

// ClockCommands builds the time and date broadcasts for now.
func ClockCommands(network string, now time.Time) []string {
	addr := ApplicationAddress(network, AppClock)
	return []string{
		fmt.Sprintf("clock time %s %s", addr, now.Format("15:04:05")),
		fmt.Sprintf("clock date %s %s", addr, now.Format("2006-01-02")),
	}
}
