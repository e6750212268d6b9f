// Gray Logic C-Bus bridge
//
// Connects a Clipsal C-Bus network, through a C-Gate server, to Gray Logic
// Core over MQTT. Lighting and security state flows out as retained state
// topics; commands flow in on graylogic/command/cbus/+.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-cbus/internal/bridges/cbus"
	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var configFile string

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cbusbridge",
		Short:         "Gray Logic C-Bus bridge",
		Long:          "Bridges a C-Bus network, via C-Gate, to Gray Logic Core over MQTT.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"configuration file path (default $GRAYLOGIC_CONFIG, else built-in defaults)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bridge until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "discover",
			Short: "Dump the discovered C-Bus topology as YAML and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return discover(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cbusbridge %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// getConfigPath returns the --config flag, then GRAYLOGIC_CONFIG. Empty
// means built-in defaults plus environment overrides.
func getConfigPath() string {
	if configFile != "" {
		return configFile
	}
	return os.Getenv("GRAYLOGIC_CONFIG")
}

func loadConfig(log *logging.Logger) (*config.Config, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if path == "" {
		log.Info("no config file given, using defaults")
	} else {
		log.Info("configuration loaded", "path", path)
	}
	return cfg, nil
}

// bridgeConfig maps the file configuration onto the bridge runtime config.
func bridgeConfig(cfg *config.Config) cbus.Config {
	gw := cfg.Gateway
	return cbus.Config{
		BridgeID:          cfg.Bridge.ID,
		Version:           version,
		HealthInterval:    cfg.GetHealthInterval(),
		Host:              gw.Host,
		CommandPort:       gw.CommandPort,
		EventPort:         gw.EventPort,
		Network:           gw.Network,
		Project:           gw.Project,
		InterfaceUnit:     gw.InterfaceUnit,
		SecurityEnabled:   gw.SecurityEnabled,
		ConnectTimeout:    config.Seconds(gw.ConnectTimeout),
		BannerTimeout:     config.Seconds(gw.ConnectTimeout),
		CommandTimeout:    config.Seconds(gw.CommandTimeout),
		DumpTimeout:       config.Seconds(gw.DumpTimeout),
		RetryInterval:     config.Seconds(gw.RetryInterval),
		DiscoveryRetry:    config.Seconds(gw.DiscoveryRetry),
		IdleInterval:      config.Seconds(gw.IdleInterval),
		PollEvery:         gw.PollEvery,
		PollAddresses:     gw.PollAddresses,
		ClockSyncInterval: config.Seconds(gw.ClockSyncInterval),
	}
}

// run is the bridge lifecycle, separated from main for testability.
// Returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting C-Bus bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(log)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	lwt, err := json.Marshal(cbus.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("building will message: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.Will{Topic: cbus.HealthTopic(), Payload: lwt})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT connection lost", "error", err)
	})
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	defer func() {
		log.Info("closing MQTT connection")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected", "broker", cfg.MQTT.Broker.Host, "port", cfg.MQTT.Broker.Port)

	opts := cbus.BridgeOptions{
		Config:     bridgeConfig(cfg),
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Logger:     log.Component("cbus"),
		HealthChecks: map[string]cbus.HealthChecker{
			"mqtt": mqttClient,
		},
	}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Bridge.ID)
		if influxErr != nil {
			// History is optional; the bridge runs without it.
			log.Warn("InfluxDB unavailable, state history disabled", "error", influxErr)
		} else {
			influxLog := log.Component("influxdb")
			influxClient.SetOnError(func(writeErr error) {
				influxLog.Error("InfluxDB write failed", "error", writeErr)
			})
			defer influxClient.Close()
			opts.History = influxClient
			opts.HealthChecks["influxdb"] = influxClient
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL)
		}
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		opts.Metrics = collector
		srv := metrics.NewServer(cfg.Metrics, collector, log.Component("metrics"))
		go func() {
			if srvErr := srv.Run(ctx); srvErr != nil {
				log.Error("metrics server stopped", "error", srvErr)
			}
		}()
	}

	bridge, err := cbus.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating C-Bus bridge: %w", err)
	}
	defer bridge.Stop()

	if err := bridge.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("shutdown requested before C-Gate became ready")
			return nil
		}
		return fmt.Errorf("starting C-Bus bridge: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// topologyReport is the YAML layout printed by the discover command.
type topologyReport struct {
	Network string            `yaml:"network"`
	Groups  []groupReport     `yaml:"groups"`
	Units   []cbus.UnitRecord `yaml:"units"`
	Zones   []groupReport     `yaml:"zones,omitempty"`
}

type groupReport struct {
	cbus.GroupRecord `yaml:",inline"`
	Kind             string `yaml:"kind,omitempty"`
}

func newTopologyReport(topo *cbus.Topology) topologyReport {
	report := topologyReport{Network: topo.Network}
	for _, g := range topo.SortedGroups() {
		report.Groups = append(report.Groups, groupReport{GroupRecord: g, Kind: g.Kind.String()})
	}
	for _, id := range slices.Sorted(maps.Keys(topo.Units)) {
		report.Units = append(report.Units, topo.Units[id])
	}
	for _, z := range topo.Zones {
		report.Zones = append(report.Zones, groupReport{GroupRecord: z})
	}
	return report
}

func discover(ctx context.Context, out io.Writer) error {
	log := logging.Default()
	cfg, err := loadConfig(log)
	if err != nil {
		return err
	}
	log = logging.New(cfg.Logging, version)

	topo, err := cbus.DiscoverOnce(ctx, bridgeConfig(cfg), nil, log.Component("cbus"))
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(newTopologyReport(topo)); err != nil {
		return fmt.Errorf("encoding topology: %w", err)
	}
	return enc.Close()
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface: bridge handlers do not return errors.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements cbus.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements cbus.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements cbus.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements cbus.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
