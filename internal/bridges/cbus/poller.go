package cbus

import (
	"context"
	"errors"
	"fmt"
)

// levelReader reads one group level. *Commander implements it.
type levelReader interface {
	PollLevel(ctx context.Context, address string) (int, error)
}

// Poller reconciles host state with the bus by reading group levels.
//
// Reconciled state is applied without a lighting_changed broadcast since it
// reflects no new change on the bus.
type Poller struct {
	addresses []string
	reader    levelReader
	dir       DeviceDirectory
	tr        *Translator
	logger    Logger
}

// NewPoller creates a poller. With no addresses it polls every discovered
// lighting group.
func NewPoller(addresses []string, reader levelReader, dir DeviceDirectory, tr *Translator, logger Logger) *Poller {
	return &Poller{
		addresses: addresses,
		reader:    reader,
		dir:       dir,
		tr:        tr,
		logger:    orNoop(logger),
	}
}

// Sweep polls every target once. It stops early if the gateway drops.
func (p *Poller) Sweep(ctx context.Context) error {
	var errs []error
	for _, addr := range p.targets() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dev, ok := p.dir.Lookup(addr)
		if !ok || dev.Class != ClassLighting {
			continue
		}
		level, err := p.reader.PollLevel(ctx, addr)
		if err != nil {
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost) {
				return err
			}
			errs = append(errs, fmt.Errorf("poll %s: %w", addr, err))
			continue
		}
		if err := p.tr.ApplyLighting(dev, level > 0, level, SourcePoll); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.logger.Debug("poll sweep finished with errors", "errors", len(errs))
	}
	return errors.Join(errs...)
}

func (p *Poller) targets() []string {
	if len(p.addresses) > 0 {
		return p.addresses
	}
	groups := p.tr.Topology().SortedGroups()
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Address)
	}
	return out
}
