package cbus

import (
	"context"
	"fmt"
)

// DiscoverOnce connects to C-Gate, builds one topology snapshot and closes
// the connection again. Used by the discover command to inspect a network
// without starting the bridge.
func DiscoverOnce(ctx context.Context, cfg Config, dial DialFunc, logger Logger) (*Topology, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cbus config: %w", err)
	}

	supCfg := cfg.supervisorConfig(nil)
	supCfg.Dial = dial
	sup := NewSupervisor(supCfg, logger)
	defer sup.Close()

	if err := sup.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return NewTopologyBuilder(cfg.topologyConfig(), sup, logger).BuildTopology(ctx)
}
