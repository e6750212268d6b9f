package cbus

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDumpTimeout    = 30 * time.Second
	defaultDiscoveryRetry = 10 * time.Second
)

// TopologyConfig holds discovery settings.
type TopologyConfig struct {
	Network         string
	SecurityEnabled bool

	// DumpTimeout bounds one dbgetxml or tree read.
	DumpTimeout time.Duration

	// RetryInterval is the delay between failed discovery attempts.
	RetryInterval time.Duration
}

// channelSource hands out command channels. *Supervisor implements it.
type channelSource interface {
	Primary() (*Channel, error)
	Secondary() (*Channel, error)
}

// TopologyBuilder discovers groups, units and zones from C-Gate dumps.
type TopologyBuilder struct {
	cfg    TopologyConfig
	src    channelSource
	logger Logger
}

// NewTopologyBuilder creates a builder reading from src's primary channel.
func NewTopologyBuilder(cfg TopologyConfig, src channelSource, logger Logger) *TopologyBuilder {
	if cfg.Network == "" {
		cfg.Network = "254"
	}
	if cfg.DumpTimeout == 0 {
		cfg.DumpTimeout = defaultDumpTimeout
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultDiscoveryRetry
	}
	return &TopologyBuilder{cfg: cfg, src: src, logger: orNoop(logger)}
}

// BuildTopology runs lighting discovery, the unit tree and, when security is
// enabled, security zone discovery. It retries each step until it succeeds
// or ctx is cancelled.
func (b *TopologyBuilder) BuildTopology(ctx context.Context) (*Topology, error) {
	lighting, err := b.Discover(ctx, AppLighting, "lighting")
	if err != nil {
		return nil, err
	}

	var units map[string]UnitRecord
	var status map[string]groupStatus
	err = b.retry(ctx, "unit tree", func() error {
		var err error
		units, status, err = b.discoverTree(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	groups := make(map[string]GroupRecord, len(lighting))
	for _, g := range lighting {
		if st, ok := status[g.Address]; ok {
			g.Level = st.level
		}
		groups[g.Address] = g
	}
	ResolveGroupKinds(groups, units)

	topo := &Topology{Network: b.cfg.Network, Groups: groups, Units: units}

	if b.cfg.SecurityEnabled {
		zones, err := b.Discover(ctx, AppSecurity, "security")
		if err != nil {
			return nil, err
		}
		for i := range zones {
			zones[i].ZoneIndex = i + 1
		}
		topo.Zones = zones
	}

	b.logger.Info("C-Bus topology discovered",
		"network", b.cfg.Network,
		"groups", len(topo.Groups),
		"units", len(topo.Units),
		"zones", len(topo.Zones),
	)
	return topo, nil
}

// Discover dumps application appID and returns its groups in dump order.
func (b *TopologyBuilder) Discover(ctx context.Context, appID int, label string) ([]GroupRecord, error) {
	var groups []GroupRecord
	err := b.retry(ctx, label+" groups", func() error {
		ch, err := b.src.Primary()
		if err != nil {
			return err
		}
		cmd := "dbgetxml " + ApplicationAddress(b.cfg.Network, appID)
		resp, err := ch.Request(ctx, cmd, b.cfg.DumpTimeout)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return fmt.Errorf("%w: %s", ErrCommandRejected, resp.Final())
		}
		groups, err = ParseGroupDump(b.cfg.Network, appID, resp.Lines)
		return err
	})
	return groups, err
}

func (b *TopologyBuilder) discoverTree(ctx context.Context) (map[string]UnitRecord, map[string]groupStatus, error) {
	ch, err := b.src.Primary()
	if err != nil {
		return nil, nil, err
	}
	resp, err := ch.Request(ctx, "tree "+b.cfg.Network, b.cfg.DumpTimeout)
	if err != nil {
		return nil, nil, err
	}
	if !resp.OK() {
		return nil, nil, fmt.Errorf("%w: %s", ErrCommandRejected, resp.Final())
	}
	units, status := ParseTree(b.cfg.Network, resp.Lines)
	return units, status, nil
}

func (b *TopologyBuilder) retry(ctx context.Context, what string, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("discover %s: %w", what, ctx.Err())
		}
		b.logger.Warn("C-Bus discovery failed, retrying",
			"step", what,
			"error", err,
			"retry_in", b.cfg.RetryInterval,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("discover %s: %w", what, ctx.Err())
		case <-time.After(b.cfg.RetryInterval):
		}
	}
}

// ParseGroupDump turns the lines of a dbgetxml response into group records,
// in document order.
func ParseGroupDump(network string, appID int, lines []string) ([]GroupRecord, error) {
	var b strings.Builder
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "343-"), strings.HasPrefix(line, "344 "):
			continue
		case strings.HasPrefix(line, "347-"):
			line = line[len("347-"):]
		}
		if strings.HasPrefix(strings.TrimSpace(line), "<?xml") {
			if i := strings.Index(line, "?>"); i >= 0 {
				line = line[i+2:]
			} else {
				continue
			}
		}
		b.WriteString(line)
	}

	doc := strings.TrimSpace(b.String())
	if doc == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedDump)
	}

	// Groups may sit at any depth, so walk tokens rather than binding a root.
	dec := xml.NewDecoder(strings.NewReader(doc))
	var records []GroupRecord
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: %w", ErrMalformedDump, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Group" {
			continue
		}
		var g xmlGroup
		if err := dec.DecodeElement(&g, &se); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedDump, err)
		}
		addr := strings.TrimSpace(g.Address)
		if addr == "" {
			continue
		}
		records = append(records, GroupRecord{
			Address: QualifiedAddress(network, appID, addr),
			Group:   addr,
			Name:    strings.TrimSpace(g.TagName),
			OID:     strings.TrimSpace(g.OID),
		})
	}
	return records, nil
}

// xmlGroup is one Group element of a dbgetxml dump.
type xmlGroup struct {
	TagName string `xml:"TagName"`
	Address string `xml:"Address"`
	OID     string `xml:"OID"`
}

// groupStatus is a group line from the tree dump.
type groupStatus struct {
	level int
	units []string
}

var (
	treeUnitLine  = regexp.MustCompile(`/p/(\w+).*type=(\w+).*groups=([\w,]*)`)
	treeGroupLine = regexp.MustCompile(`/(\d+)/(\w+)\s.*level=(\d+).*units=([\w,]*)`)
)

// ParseTree extracts units and group levels from a "tree" response. Lines
// that match neither pattern are ignored. Group status is keyed by the
// qualified address.
func ParseTree(network string, lines []string) (map[string]UnitRecord, map[string]groupStatus) {
	units := make(map[string]UnitRecord)
	status := make(map[string]groupStatus)

	for _, line := range lines {
		if m := treeUnitLine.FindStringSubmatch(line); m != nil {
			units[m[1]] = UnitRecord{
				ID:     m[1],
				Type:   m[2],
				Kind:   KindFromUnitType(m[2]),
				Groups: splitCSV(m[3]),
			}
			continue
		}
		if m := treeGroupLine.FindStringSubmatch(line); m != nil {
			app, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			level, err := strconv.Atoi(m[3])
			if err != nil {
				continue
			}
			status[QualifiedAddress(network, app, m[2])] = groupStatus{
				level: clampLevel(level),
				units: splitCSV(m[4]),
			}
		}
	}
	return units, status
}

// ResolveGroupKinds assigns a Kind to every group from the units that drive
// it. Relay wins over Dimmer; switch and unknown units are ignored; a group no
// unit claims is a Dimmer.
func ResolveGroupKinds(groups map[string]GroupRecord, units map[string]UnitRecord) {
	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for addr, g := range groups {
		kind := KindUnknown
		for _, id := range ids {
			u := units[id]
			if u.Kind != KindDimmer && u.Kind != KindRelay {
				continue
			}
			if !u.Drives(g.Group) {
				continue
			}
			if kind == KindUnknown || u.Kind == KindRelay {
				kind = u.Kind
			}
		}
		if kind == KindUnknown {
			kind = KindDimmer
		}
		g.Kind = kind
		groups[addr] = g
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
