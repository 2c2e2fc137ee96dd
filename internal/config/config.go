package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultSerialBaud = 115200
	DefaultRadioPort  = 37020
	DefaultLivenessMs = 5000
	DefaultEvictionMs = 30000
	DefaultDesyncMs   = 200
	DefaultLinkLostMs = 3000
	DefaultBeaconMs   = 1000
	DefaultAnnounceMs = 1000

	// MaxSimDelayMs bounds the simulated-bad-network delay to what two
	// 7-bit wire bytes can carry.
	MaxSimDelayMs = 16383
)

// SerialConfig selects the byte transport to the bridge.
type SerialConfig struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

// RadioConfig selects the radio adapter.
type RadioConfig struct {
	// Port is the UDP broadcast port standing in for the radio channel.
	Port int `json:"port"`
	// Address pins the 6-byte radio address as hex pairs ("AA:BB:..");
	// empty generates one at startup.
	Address string `json:"address"`
}

// SyncConfig tunes the media sync engine.
type SyncConfig struct {
	StopOnLinkLost   bool   `json:"stop_on_link_lost"`
	LinkLostMs       uint32 `json:"link_lost_ms"`
	DesyncMs         uint32 `json:"desync_ms"`
	RepeatIntervalMs uint32 `json:"repeat_interval_ms"` // 0 disables re-emission
}

// TablesConfig tunes peer table aging and presence intervals.
type TablesConfig struct {
	LivenessMs uint32 `json:"liveness_ms"`
	EvictionMs uint32 `json:"eviction_ms"`
	BeaconMs   uint32 `json:"beacon_ms"`
	AnnounceMs uint32 `json:"announce_ms"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// StoreConfig locates the device-local persistent store.
type StoreConfig struct {
	Path string `json:"path"`
}

// Config is the root persisted daemon configuration.
type Config struct {
	Serial  SerialConfig  `json:"serial"`
	Radio   RadioConfig   `json:"radio"`
	Sync    SyncConfig    `json:"sync"`
	Tables  TablesConfig  `json:"tables"`
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`
}

func Default() Config {
	return Config{
		Serial: SerialConfig{
			Port: "",
			Baud: DefaultSerialBaud,
		},
		Radio: RadioConfig{
			Port: DefaultRadioPort,
		},
		Sync: SyncConfig{
			StopOnLinkLost:   true,
			LinkLostMs:       DefaultLinkLostMs,
			DesyncMs:         DefaultDesyncMs,
			RepeatIntervalMs: 0,
		},
		Tables: TablesConfig{
			LivenessMs: DefaultLivenessMs,
			EvictionMs: DefaultEvictionMs,
			BeaconMs:   DefaultBeaconMs,
			AnnounceMs: DefaultAnnounceMs,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Store: StoreConfig{
			Path: "nowded.db",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by the daemon runtime.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *Config) FillMissingDefaults() {
	if c.Serial.Baud <= 0 {
		c.Serial.Baud = DefaultSerialBaud
	}
	if c.Radio.Port <= 0 {
		c.Radio.Port = DefaultRadioPort
	}
	if c.Sync.LinkLostMs == 0 {
		c.Sync.LinkLostMs = DefaultLinkLostMs
	}
	if c.Sync.DesyncMs == 0 {
		c.Sync.DesyncMs = DefaultDesyncMs
	}
	if c.Tables.LivenessMs == 0 {
		c.Tables.LivenessMs = DefaultLivenessMs
	}
	if c.Tables.EvictionMs == 0 {
		c.Tables.EvictionMs = DefaultEvictionMs
	}
	if c.Tables.BeaconMs == 0 {
		c.Tables.BeaconMs = DefaultBeaconMs
	}
	if c.Tables.AnnounceMs == 0 {
		c.Tables.AnnounceMs = DefaultAnnounceMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "nowded.db"
	}
}

func (c Config) Validate() error {
	if c.Radio.Port <= 0 || c.Radio.Port > 65535 {
		return fmt.Errorf("radio port out of range: %d", c.Radio.Port)
	}
	if c.Serial.Port != "" && c.Serial.Baud <= 0 {
		return errors.New("serial baud must be positive")
	}
	if c.Tables.EvictionMs <= c.Tables.LivenessMs {
		return errors.New("eviction window must exceed liveness timeout")
	}
	return nil
}

func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config json: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(path), raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
