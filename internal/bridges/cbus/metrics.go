package cbus

// Metrics receives operational counters. The Prometheus collector in
// internal/infrastructure/metrics implements it.
type Metrics interface {
	EventHandled(key string)
	EventFailed(key string)
	CommandSent(command string, err error)
	PendingRamps(n int)
	ConnectionState(state string)
	Reconnected()
}

type noopMetrics struct{}

func (noopMetrics) EventHandled(string)       {}
func (noopMetrics) EventFailed(string)        {}
func (noopMetrics) CommandSent(string, error) {}
func (noopMetrics) PendingRamps(int)          {}
func (noopMetrics) ConnectionState(string)    {}
func (noopMetrics) Reconnected()              {}

func orNoopMetrics(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
