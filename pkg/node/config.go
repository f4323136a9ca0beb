package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/lob/pkg/lx"
)

// Duration is a time.Duration that reads and writes strings like "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config configures a node. Empty addresses disable the matching listener.
type Config struct {
	Engine lx.Config `json:"engine"`

	// Network
	HTTPAddr string `json:"httpAddr"` // JSON-RPC, /metrics and /health
	WSAddr   string `json:"wsAddr"`
	GRPCAddr string `json:"grpcAddr"` // gRPC health service

	// Event sinks
	NATSURL      string   `json:"natsUrl"`
	NATSPrefix   string   `json:"natsPrefix"`
	KafkaBrokers []string `json:"kafkaBrokers"`
	KafkaTopic   string   `json:"kafkaTopic"`
	OutboxDir    string   `json:"outboxDir"`
	DrainEvery   Duration `json:"drainEvery"`

	// State
	SnapshotEvery Duration `json:"snapshotEvery"`
	SnapshotKeep  int      `json:"snapshotKeep"`

	// Metrics
	MetricsNamespace string   `json:"metricsNamespace"`
	MetricsEvery     Duration `json:"metricsEvery"`
}

// DefaultConfig returns the defaults used by ParseConfig.
func DefaultConfig() Config {
	return Config{
		Engine:           lx.DefaultConfig(),
		HTTPAddr:         ":8080",
		WSAddr:           ":8081",
		GRPCAddr:         ":9630",
		NATSPrefix:       "lob",
		KafkaTopic:       "lob.events",
		DrainEvery:       Duration(250 * time.Millisecond),
		SnapshotEvery:    Duration(10 * time.Second),
		SnapshotKeep:     16,
		MetricsNamespace: "lob",
		MetricsEvery:     Duration(5 * time.Second),
	}
}

// ParseConfig overlays JSON onto DefaultConfig. Empty input yields the
// defaults.
func ParseConfig(configBytes []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(configBytes) > 0 {
		if err := json.Unmarshal(configBytes, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse node config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the node settings and the engine settings.
func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if len(c.KafkaBrokers) > 0 && c.OutboxDir == "" {
		return errors.New("outboxDir is required when kafkaBrokers are set")
	}
	if c.SnapshotEvery < 0 || c.DrainEvery < 0 || c.MetricsEvery < 0 {
		return errors.New("intervals must not be negative")
	}
	if c.SnapshotKeep < 0 {
		return errors.New("snapshotKeep must not be negative")
	}
	return nil
}
