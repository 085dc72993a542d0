// Package config holds the operator-facing settings of a peerlink node.
//
// Values come from Default, then optional .env files, then PEERLINK_*
// environment variables, then command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opd-ai/peerlink/dht"
	"github.com/sirupsen/logrus"
)

// Environment variable names read by LoadEnv.
const (
	EnvListenPort          = "PEERLINK_LISTEN_PORT"
	EnvMaxPeers            = "PEERLINK_MAX_PEERS"
	EnvBootstrap           = "PEERLINK_BOOTSTRAP"
	EnvSeeds               = "PEERLINK_SEEDS"
	EnvMaintenanceInterval = "PEERLINK_MAINTENANCE_INTERVAL_MS"
	EnvDataDir             = "PEERLINK_DATA_DIR"
	EnvLogLevel            = "PEERLINK_LOG_LEVEL"
	EnvLogJSON             = "PEERLINK_LOG_JSON"
	EnvRegenerateIdentity  = "PEERLINK_REGENERATE_IDENTITY"
	EnvMetricsAddr         = "PEERLINK_METRICS_ADDR"
	EnvNodeName            = "PEERLINK_NODE_NAME"
)

const (
	DefaultListenPort          = 6881
	DefaultMaxPeers            = 50
	DefaultMaintenanceInterval = 60 * time.Second
	DefaultDataDir             = ".peerlink"

	// MinMaintenanceInterval keeps a misconfigured node from spinning.
	MinMaintenanceInterval = time.Second

	IdentityFile   = "identity.json"
	KnownPeersFile = "known_peers.json"
)

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete node configuration.
type Config struct {
	// ListenPort is the preferred TCP port. Zero picks an ephemeral port.
	ListenPort int
	// MaxPeers caps concurrent sessions in both directions.
	MaxPeers int
	// BootstrapAddresses are operator-configured host:port peers.
	BootstrapAddresses []string
	// Seeds are built-in host:port peers always tried first.
	Seeds []string
	// MaintenanceInterval is the period of the maintenance pass.
	MaintenanceInterval time.Duration
	// DataDir holds the identity and known-peers files.
	DataDir string
	// RegenerateIdentity replaces a corrupt identity file instead of failing.
	RegenerateIdentity bool
	// Name is advertised to peers in peer-info exchanges.
	Name string

	LogLevel    string
	LogJSON     bool
	MetricsAddr string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenPort:          DefaultListenPort,
		MaxPeers:            DefaultMaxPeers,
		MaintenanceInterval: DefaultMaintenanceInterval,
		DataDir:             DefaultDataDir,
		LogLevel:            logrus.InfoLevel.String(),
	}
}

// IdentityPath is the location of the identity file.
func (c Config) IdentityPath() string {
	return filepath.Join(c.DataDir, IdentityFile)
}

// KnownPeersPath is the location of the known-peers cache.
func (c Config) KnownPeersPath() string {
	return filepath.Join(c.DataDir, KnownPeersFile)
}

// ListenAddr is the bind address for the configured port.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("%w: max peers must be positive, got %d", ErrInvalidConfig, c.MaxPeers)
	}
	if c.MaintenanceInterval < MinMaintenanceInterval {
		return fmt.Errorf("%w: maintenance interval %s below %s", ErrInvalidConfig, c.MaintenanceInterval, MinMaintenanceInterval)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data dir is empty", ErrInvalidConfig)
	}
	for _, list := range [][]string{c.BootstrapAddresses, c.Seeds} {
		for _, addr := range list {
			if _, err := dht.ParseAddress(addr); err != nil {
				return fmt.Errorf("%w: bootstrap address %q: %v", ErrInvalidConfig, addr, err)
			}
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadEnv loads the given .env files, if present, into the process
// environment and overlays PEERLINK_* variables onto c. Variables already set
// in the environment win over .env values.
func (c *Config) LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "LoadEnv",
			"file":     f,
		}).Debug("Loaded environment file")
	}

	var err error
	if c.ListenPort, err = envInt(EnvListenPort, c.ListenPort); err != nil {
		return err
	}
	if c.MaxPeers, err = envInt(EnvMaxPeers, c.MaxPeers); err != nil {
		return err
	}
	ms, err := envInt(EnvMaintenanceInterval, int(c.MaintenanceInterval/time.Millisecond))
	if err != nil {
		return err
	}
	c.MaintenanceInterval = time.Duration(ms) * time.Millisecond

	if v, ok := os.LookupEnv(EnvBootstrap); ok {
		c.BootstrapAddresses = SplitList(v)
	}
	if v, ok := os.LookupEnv(EnvSeeds); ok {
		c.Seeds = SplitList(v)
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
	if v, ok := os.LookupEnv(EnvNodeName); ok {
		c.Name = v
	}
	if c.LogJSON, err = envBool(EnvLogJSON, c.LogJSON); err != nil {
		return err
	}
	if c.RegenerateIdentity, err = envBool(EnvRegenerateIdentity, c.RegenerateIdentity); err != nil {
		return err
	}
	return nil
}

// SplitList parses a comma separated address list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return b, nil
}
