package cbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// HealthPublisher publishes health messages. Typically the MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthChecker actively checks a dependency. The MQTT and InfluxDB clients
// implement it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheckTimeout bounds one round of dependency checks.
const healthCheckTimeout = 5 * time.Second

// gatewayStats exposes supervisor counters. *Supervisor implements it.
type gatewayStats interface {
	Stats() SupervisorStats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Gateway   gatewayStats

	// Host, Port and Network describe the gateway in health payloads.
	Host    string
	Port    int
	Network string

	// Statistics supplies dispatcher counters. Optional.
	Statistics func() BridgeStatistics

	// Checks run on every publish while otherwise healthy. A failing
	// check degrades the status. Optional.
	Checks map[string]HealthChecker
}

// HealthReporter publishes bridge health on an interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	deviceCount   int
	deviceCountMu sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig, logger Logger) *HealthReporter {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
		logger:    orNoop(logger),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop halts reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetDeviceCount updates the managed device count.
func (h *HealthReporter) SetDeviceCount(count int) {
	h.deviceCountMu.Lock()
	h.deviceCount = count
	h.deviceCountMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "waiting for C-Gate")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	if status == HealthHealthy {
		if name, err := h.runChecks(); err != nil {
			h.logger.Warn("dependency health check failed", "dependency", name, "error", err)
			status, reason = HealthDegraded, name+" unavailable"
		}
	}
	return h.publishStatus(status, reason)
}

// runChecks checks each dependency in name order and returns the first
// failure.
func (h *HealthReporter) runChecks() (string, error) {
	if len(h.cfg.Checks) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(h.cfg.Checks))
	for name := range h.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	for _, name := range names {
		if err := h.cfg.Checks[name].HealthCheck(ctx); err != nil {
			return name, err
		}
	}
	return "", nil
}

// LWTPayload returns the Last Will and Testament payload.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.cfg.BridgeID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Error("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Gateway == nil {
		return HealthUnhealthy, "no gateway"
	}
	switch h.cfg.Gateway.Stats().State {
	case StateReady:
		return HealthHealthy, ""
	case StateConnecting:
		return HealthDegraded, "connecting to C-Gate"
	default:
		return HealthDegraded, "C-Gate disconnected"
	}
}

// buildMessage assembles a health message for status.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	h.deviceCountMu.RLock()
	deviceCount := h.deviceCount
	h.deviceCountMu.RUnlock()

	msg := HealthMessage{
		Bridge:         h.cfg.BridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        h.cfg.Version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		DevicesManaged: deviceCount,
		Reason:         reason,
	}

	conn := &ConnectionStatus{
		Status:  StateDisconnected.String(),
		Address: net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port)),
		Network: h.cfg.Network,
	}
	var stats BridgeStatistics
	if h.cfg.Statistics != nil {
		stats = h.cfg.Statistics()
	}
	if h.cfg.Gateway != nil {
		gs := h.cfg.Gateway.Stats()
		conn.Status = gs.State.String()
		if gs.State == StateReady && !gs.LastConnected.IsZero() {
			since := gs.LastConnected.UTC()
			conn.ConnectedSince = &since
		}
		stats.Reconnects = gs.ReconnectsTotal
		stats.ConnectAttempts = gs.ConnectAttempts
	}
	msg.Connection = conn
	msg.Statistics = &stats
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}
