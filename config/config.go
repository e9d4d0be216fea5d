// Package config loads the nearby configuration: built-in defaults, then an
// optional YAML file, then NEARBY_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/nearby/limits"
	"github.com/opd-ai/nearby/logging"
	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// EnvConfigPath names the YAML file to load when Load gets no path.
const EnvConfigPath = "NEARBY_CONFIG"

// Validation bounds.
const (
	MinPort = 0
	MaxPort = 65535
	// MinWorkers is the smallest executor pool.
	MinWorkers = 1
	// MaxWorkers is the largest executor pool.
	MaxWorkers = 64
	// MinAnnounceInterval keeps Wi-Fi LAN announcements from flooding the segment.
	MinAnnounceInterval = 100 * time.Millisecond
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete nearby configuration.
type Config struct {
	Log        logging.Config   `yaml:"log"`
	Payload    PayloadConfig    `yaml:"payload"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Mediums    MediumsConfig    `yaml:"mediums"`
	WifiLan    WifiLanConfig    `yaml:"wifilan"`
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	WifiDirect WifiDirectConfig `yaml:"wifidirect"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
}

// PayloadConfig controls chunking and where incoming files land.
type PayloadConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	DownloadDir  string        `yaml:"download_dir"`
	MaxBytesSize int64         `yaml:"max_bytes_size"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// ExecutorConfig sizes the worker pool running send loops.
type ExecutorConfig struct {
	Workers int `yaml:"workers"`
}

// MediumsConfig selects which radios are built.
type MediumsConfig struct {
	// Enabled lists medium names as printed by medium.Kind.String.
	Enabled []string `yaml:"enabled"`
	// ServiceMatch is "any" or "exact".
	ServiceMatch string `yaml:"service_match"`
}

type WifiLanConfig struct {
	DiscoveryPort    int           `yaml:"discovery_port"`
	AnnounceTargets  []string      `yaml:"announce_targets"`
	AcceptAddr       string        `yaml:"accept_addr"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	ServiceTTL       time.Duration `yaml:"service_ttl"`
	PreambleTimeout  time.Duration `yaml:"preamble_timeout"`
}

type BluetoothConfig struct {
	Adapter    string `yaml:"adapter"`
	ObjectRoot string `yaml:"object_root"`
}

type WifiDirectConfig struct {
	Interface         string        `yaml:"interface"`
	Port              int           `yaml:"port"`
	SSIDPrefix        string        `yaml:"ssid_prefix"`
	ActivationTimeout time.Duration `yaml:"activation_timeout"`
}

type WebRTCConfig struct {
	LocalID         string        `yaml:"local_id"`
	STUNServers     []string      `yaml:"stun_servers"`
	IncludeLoopback bool          `yaml:"include_loopback"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// Default returns the built-in configuration: Wi-Fi LAN only, 64KiB chunks.
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Payload: PayloadConfig{
			ChunkSize:    limits.DefaultChunkSize,
			DownloadDir:  os.TempDir(),
			MaxBytesSize: 64 * 1024 * 1024,
			StallTimeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{Workers: 4},
		Mediums: MediumsConfig{
			Enabled:      []string{medium.WifiLan.String()},
			ServiceMatch: medium.MatchAnyService.String(),
		},
		WifiLan: WifiLanConfig{
			DiscoveryPort:    47123,
			AcceptAddr:       ":0",
			AnnounceInterval: time.Second,
			ServiceTTL:       5 * time.Second,
			PreambleTimeout:  5 * time.Second,
		},
		Bluetooth: BluetoothConfig{
			ObjectRoot: "/org/opd_ai/nearby",
		},
		WifiDirect: WifiDirectConfig{
			SSIDPrefix:        "DIRECT-NB-",
			ActivationTimeout: 30 * time.Second,
		},
		WebRTC: WebRTCConfig{
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			ConnectTimeout: 30 * time.Second,
		},
	}
}

// Load builds the configuration. path, or $NEARBY_CONFIG when path is
// empty, names an optional YAML file layered over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logConfigurationInfo(cfg, path)
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: log: %w", ErrInvalidConfig, err)
	}
	if err := limits.ValidateChunkSize(c.Payload.ChunkSize); err != nil {
		return fmt.Errorf("%w: payload.chunk_size: %w", ErrInvalidConfig, err)
	}
	if c.Payload.MaxBytesSize <= 0 {
		return fmt.Errorf("%w: payload.max_bytes_size must be positive", ErrInvalidConfig)
	}
	if c.Executor.Workers < MinWorkers || c.Executor.Workers > MaxWorkers {
		return fmt.Errorf("%w: executor.workers %d not in [%d, %d]", ErrInvalidConfig, c.Executor.Workers, MinWorkers, MaxWorkers)
	}
	if _, err := c.EnabledKinds(); err != nil {
		return err
	}
	if _, err := c.ServiceMatch(); err != nil {
		return fmt.Errorf("%w: mediums.service_match: %w", ErrInvalidConfig, err)
	}
	if err := validatePort("wifilan.discovery_port", c.WifiLan.DiscoveryPort); err != nil {
		return err
	}
	if c.WifiLan.AnnounceInterval < MinAnnounceInterval {
		return fmt.Errorf("%w: wifilan.announce_interval %s below %s", ErrInvalidConfig, c.WifiLan.AnnounceInterval, MinAnnounceInterval)
	}
	if c.WifiLan.ServiceTTL <= c.WifiLan.AnnounceInterval {
		return fmt.Errorf("%w: wifilan.service_ttl must exceed announce_interval", ErrInvalidConfig)
	}
	if err := validatePort("wifidirect.port", c.WifiDirect.Port); err != nil {
		return err
	}
	if c.Bluetooth.ObjectRoot != "" && !strings.HasPrefix(c.Bluetooth.ObjectRoot, "/") {
		return fmt.Errorf("%w: bluetooth.object_root must be an absolute object path", ErrInvalidConfig)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: %s %d not in [%d, %d]", ErrInvalidConfig, name, port, MinPort, MaxPort)
	}
	return nil
}

// EnabledKinds resolves Mediums.Enabled, dropping duplicates.
func (c *Config) EnabledKinds() ([]medium.Kind, error) {
	seen := make(map[medium.Kind]bool)
	var kinds []medium.Kind
	for _, name := range c.Mediums.Enabled {
		kind, ok := medium.ParseKind(strings.ToUpper(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("%w: unknown medium %q", ErrInvalidConfig, name)
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// ServiceMatch resolves Mediums.ServiceMatch.
func (c *Config) ServiceMatch() (medium.ServiceMatch, error) {
	return medium.ParseServiceMatch(c.Mediums.ServiceMatch)
}

func applyEnvOverrides(cfg *Config) {
	parseStringSetting("NEARBY_LOG_LEVEL", &cfg.Log.Level)
	parseStringSetting("NEARBY_LOG_FORMAT", &cfg.Log.Format)
	parseStringSetting("NEARBY_LOG_FILE", &cfg.Log.File)
	parseIntSetting("NEARBY_CHUNK_SIZE", &cfg.Payload.ChunkSize, limits.MinChunkSize, limits.MaxChunkSize)
	parseStringSetting("NEARBY_DOWNLOAD_DIR", &cfg.Payload.DownloadDir)
	parseIntSetting("NEARBY_EXECUTOR_WORKERS", &cfg.Executor.Workers, MinWorkers, MaxWorkers)
	parseListSetting("NEARBY_MEDIUMS", &cfg.Mediums.Enabled)
	parseStringSetting("NEARBY_SERVICE_MATCH", &cfg.Mediums.ServiceMatch)
	parseIntSetting("NEARBY_WIFILAN_DISCOVERY_PORT", &cfg.WifiLan.DiscoveryPort, MinPort, MaxPort)
	parseListSetting("NEARBY_WIFILAN_ANNOUNCE_TARGETS", &cfg.WifiLan.AnnounceTargets)
	parseDurationSetting("NEARBY_WIFILAN_ANNOUNCE_INTERVAL", &cfg.WifiLan.AnnounceInterval)
	parseStringSetting("NEARBY_BLUETOOTH_ADAPTER", &cfg.Bluetooth.Adapter)
	parseStringSetting("NEARBY_WIFIDIRECT_INTERFACE", &cfg.WifiDirect.Interface)
	parseStringSetting("NEARBY_WEBRTC_LOCAL_ID", &cfg.WebRTC.LocalID)
	parseListSetting("NEARBY_WEBRTC_STUN_SERVERS", &cfg.WebRTC.STUNServers)
}

func parseStringSetting(envVar string, dst *string) {
	if v := os.Getenv(envVar); v != "" {
		*dst = v
	}
}

func parseListSetting(envVar string, dst *[]string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

// parseIntSetting only updates dst when the value parses and is within [lo, hi].
func parseIntSetting(envVar string, dst *int, lo, hi int) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     envVar,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if v < lo || v > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     envVar,
			"value":       v,
			"min":         lo,
			"max":         hi,
			"using_value": *dst,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*dst = v
}

func parseDurationSetting(envVar string, dst *time.Duration) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		fields := logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     envVar,
			"value":       raw,
			"using_value": dst.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Warn("Invalid duration in environment variable, using default")
		return
	}
	*dst = v
}

func logConfigurationInfo(cfg *Config, path string) {
	logrus.WithFields(logrus.Fields{
		"function":      "Load",
		"config_file":   path,
		"log_level":     cfg.Log.Level,
		"chunk_size":    cfg.Payload.ChunkSize,
		"download_dir":  cfg.Payload.DownloadDir,
		"workers":       cfg.Executor.Workers,
		"mediums":       strings.Join(cfg.Mediums.Enabled, ","),
		"service_match": cfg.Mediums.ServiceMatch,
	}).Info("Loaded configuration")
}
