package cbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default gateway timings.
const (
	defaultCommandPort    = 20023
	defaultEventPort      = 20025
	defaultConnectTimeout = 10 * time.Second
	defaultBannerTimeout  = 10 * time.Second
	defaultCommandTimeout = 5 * time.Second
	defaultRetryInterval  = 10 * time.Second
)

// Channel names.
const (
	ChannelPrimary   = "primary"
	ChannelSecondary = "secondary"
	ChannelMonitor   = "monitor"
)

// ConnState is the process-wide gateway connection state.
type ConnState int32

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// SupervisorConfig holds C-Gate connection settings.
type SupervisorConfig struct {
	Host        string
	CommandPort int
	EventPort   int

	// Network is the C-Bus network number checked by "net list".
	Network string

	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration

	// BannerTimeout bounds the wait for "201 Service ready".
	BannerTimeout time.Duration

	// CommandTimeout bounds the readiness query.
	CommandTimeout time.Duration

	// RetryInterval is the fixed delay between connect attempts.
	RetryInterval time.Duration

	// Dial overrides the TCP dialer. Nil uses net.Dialer.
	Dial DialFunc

	// Metrics receives state changes and reconnects. Optional.
	Metrics Metrics
}

// SupervisorStats holds operational counters.
type SupervisorStats struct {
	State           ConnState
	ConnectAttempts uint64
	ReconnectsTotal uint64
	LastConnected   time.Time
	Reconnecting    bool
}

// Supervisor owns the three C-Gate channels and their lifecycle.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Only the supervisor changes the connection state.
//
// Reconnection:
//   - End-of-stream on any channel moves the state to Disconnected, closes
//     all channels and starts a single reconnect goroutine.
//   - Connect attempts repeat every RetryInterval until Close.
type Supervisor struct {
	cfg SupervisorConfig

	connMu    sync.RWMutex
	state     ConnState
	primary   *Channel
	secondary *Channel
	monitor   *Channel

	reconnecting atomic.Bool

	readyMu sync.RWMutex
	onReady []func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc
	done   *closeOnce
	wg     sync.WaitGroup

	logger  Logger
	metrics Metrics

	connectAttempts atomic.Uint64
	reconnectsTotal atomic.Uint64
	everConnected   atomic.Bool
	lastConnected   atomic.Int64
}

// NewSupervisor creates a supervisor. Call Connect to open the channels.
func NewSupervisor(cfg SupervisorConfig, logger Logger) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.CommandPort == 0 {
		cfg.CommandPort = defaultCommandPort
	}
	if cfg.EventPort == 0 {
		cfg.EventPort = defaultEventPort
	}
	if cfg.Network == "" {
		cfg.Network = "254"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.BannerTimeout == 0 {
		cfg.BannerTimeout = defaultBannerTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		done:    newCloseOnce(),
		logger:  orNoop(logger),
		metrics: orNoopMetrics(cfg.Metrics),
	}
}

// OnReady registers fn to run after every successful connect, including the
// first. Callbacks run on the connecting goroutine.
func (s *Supervisor) OnReady(fn func(ctx context.Context)) {
	s.readyMu.Lock()
	s.onReady = append(s.onReady, fn)
	s.readyMu.Unlock()
}

// Connect blocks until all three channels are open and the network reports
// State=ok, retrying forever. It returns early only when ctx is cancelled or
// the supervisor is closed.
func (s *Supervisor) Connect(ctx context.Context) error {
	ctx, cancel := s.mergeContext(ctx)
	defer cancel()
	return s.connectLoop(ctx)
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.state
}

// IsConnected reports whether the supervisor is Ready.
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateReady
}

// Primary returns the primary command channel.
func (s *Supervisor) Primary() (*Channel, error) {
	return s.channel(func() *Channel { return s.primary })
}

// Secondary returns the secondary command channel.
func (s *Supervisor) Secondary() (*Channel, error) {
	return s.channel(func() *Channel { return s.secondary })
}

// Monitor returns the event channel.
func (s *Supervisor) Monitor() (*Channel, error) {
	return s.channel(func() *Channel { return s.monitor })
}

func (s *Supervisor) channel(pick func() *Channel) (*Channel, error) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.state != StateReady {
		return nil, ErrNotConnected
	}
	ch := pick()
	if ch == nil {
		return nil, ErrNotConnected
	}
	return ch, nil
}

// Network returns the configured C-Bus network number.
func (s *Supervisor) Network() string {
	return s.cfg.Network
}

// Stats returns a snapshot of supervisor counters.
func (s *Supervisor) Stats() SupervisorStats {
	stats := SupervisorStats{
		State:           s.State(),
		ConnectAttempts: s.connectAttempts.Load(),
		ReconnectsTotal: s.reconnectsTotal.Load(),
		Reconnecting:    s.reconnecting.Load(),
	}
	if ts := s.lastConnected.Load(); ts > 0 {
		stats.LastConnected = time.Unix(ts, 0)
	}
	return stats
}

// Close closes all channels and stops reconnection. Safe to call twice.
func (s *Supervisor) Close() error {
	s.done.Close()
	s.cancel()
	s.closeChannels(StateDisconnected)
	s.wg.Wait()
	return nil
}

// Done is closed when the supervisor is closed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done.Done()
}

func (s *Supervisor) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// handleLost is the onLost callback of every channel. Losses on channels
// that are not installed (mid-connect or already replaced) are ignored.
func (s *Supervisor) handleLost(ch *Channel, err error) {
	if s.isClosed() {
		return
	}
	s.connMu.RLock()
	current := ch == s.primary || ch == s.secondary || ch == s.monitor
	s.connMu.RUnlock()
	if !current {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.logger.Warn("lost connection to C-Gate, reconnecting",
		"channel", ch.Name(),
		"error", err,
	)
	s.closeChannels(StateDisconnected)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.connectLoop(s.ctx); err != nil {
			s.reconnecting.Store(false)
			s.logger.Debug("reconnect stopped", "error", err)
		}
	}()
}

func (s *Supervisor) connectLoop(ctx context.Context) error {
	for {
		err := s.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("connect cancelled: %w", ctx.Err())
		}

		if errors.Is(err, ErrGatewayNotReady) {
			s.logger.Warn("C-Bus network not ready, retrying",
				"network", s.cfg.Network,
				"retry_in", s.cfg.RetryInterval,
			)
		} else {
			s.logger.Error("C-Gate connect failed, retrying",
				"error", err,
				"retry_in", s.cfg.RetryInterval,
			)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect cancelled: %w", ctx.Err())
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

func (s *Supervisor) connectOnce(ctx context.Context) error {
	s.connectAttempts.Add(1)
	s.setState(StateConnecting)

	cmdAddr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.CommandPort))
	evtAddr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.EventPort))

	var opened []*Channel
	cleanup := func() {
		for _, ch := range opened {
			ch.Close()
		}
		s.setState(StateDisconnected)
	}

	open := func(name, addr string) (*Channel, error) {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		ch, err := DialChannel(dialCtx, s.cfg.Dial, name, addr, s.handleLost)
		if err != nil {
			return nil, err
		}
		opened = append(opened, ch)
		if _, err := ch.ReadBanner(s.cfg.BannerTimeout); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return ch, nil
	}

	primary, err := open(ChannelPrimary, cmdAddr)
	if err != nil {
		cleanup()
		return err
	}
	secondary, err := open(ChannelSecondary, cmdAddr)
	if err != nil {
		cleanup()
		return err
	}
	monitor, err := open(ChannelMonitor, evtAddr)
	if err != nil {
		cleanup()
		return err
	}

	if err := s.checkReady(ctx, primary); err != nil {
		cleanup()
		return err
	}

	if s.isClosed() {
		cleanup()
		return ErrNotConnected
	}

	s.connMu.Lock()
	s.primary, s.secondary, s.monitor = primary, secondary, monitor
	s.state = StateReady
	s.connMu.Unlock()
	// A loss from here on, OnReady callbacks included, starts a new reconnect.
	s.reconnecting.Store(false)
	s.metrics.ConnectionState(StateReady.String())

	s.lastConnected.Store(time.Now().Unix())
	if s.everConnected.Swap(true) {
		s.reconnectsTotal.Add(1)
		s.metrics.Reconnected()
		s.logger.Info("reconnected to C-Gate", "host", s.cfg.Host, "network", s.cfg.Network)
	} else {
		s.logger.Info("connected to C-Gate", "host", s.cfg.Host, "network", s.cfg.Network)
	}

	s.readyMu.RLock()
	callbacks := append([]func(context.Context){}, s.onReady...)
	s.readyMu.RUnlock()
	for _, fn := range callbacks {
		fn(ctx)
	}
	return nil
}

// netStateOK matches a "net list" line for a network in State=ok.
var netStateOK = regexp.MustCompile(`(?i)network=(\w+).*state=ok`)

func (s *Supervisor) checkReady(ctx context.Context, ch *Channel) error {
	resp, err := ch.Request(ctx, "net list", s.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("%w: net list: %w", ErrGatewayNotReady, err)
	}
	for _, line := range resp.Lines {
		m := netStateOK.FindStringSubmatch(line)
		if m != nil && m[1] == s.cfg.Network {
			return nil
		}
	}
	return ErrGatewayNotReady
}

func (s *Supervisor) setState(st ConnState) {
	s.connMu.Lock()
	s.state = st
	s.connMu.Unlock()
	s.metrics.ConnectionState(st.String())
}

func (s *Supervisor) closeChannels(st ConnState) {
	s.connMu.Lock()
	chans := []*Channel{s.primary, s.secondary, s.monitor}
	s.primary, s.secondary, s.monitor = nil, nil, nil
	s.state = st
	s.connMu.Unlock()
	s.metrics.ConnectionState(st.String())

	for _, ch := range chans {
		if ch != nil {
			ch.Close()
		}
	}
}

// mergeContext returns a context cancelled by either ctx or Close.
func (s *Supervisor) mergeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.done.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}
