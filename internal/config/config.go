// Package config handles configuration loading, validation, and persistence
// for the gateway.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultGatewayAddress = "127.0.0.1:8080"
	DefaultRCONAddress    = "127.0.0.1:25575"
)

// Environment variables understood by ApplyEnv.
const (
	EnvPalServerAddr     = "PALSERVER_ADDR"
	EnvPalServerPassword = "PALSERVER_PASSWORD"
	EnvGatewayAddr       = "GATEWAY_ADDR"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Gateway    GatewayConfig    `json:"gateway"`
	RCON       RCONConfig       `json:"rcon"`
	SteamCMD   SteamCMDConfig   `json:"steamcmd"`
	GameConfig GameConfigConfig `json:"game_config"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Notify     NotifyConfig     `json:"notify"`
	Database   DatabaseConfig   `json:"database"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Health     HealthConfig     `json:"health"`
	Logging    LoggingConfig    `json:"logging"`
	Console    ConsoleConfig    `json:"console"`
}

// GatewayConfig holds the HTTP/WebSocket listener settings.
type GatewayConfig struct {
	Address            string   `json:"address"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RateLimitRPS       int      `json:"rate_limit_rps"`
	ShutdownTimeoutSec int      `json:"shutdown_timeout_sec"`
	Version            string   `json:"version,omitempty"`
	// TLS serves HTTPS and WSS. Missing cert and key files are generated
	// as a self-signed pair.
	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
}

// RCONConfig holds the game server remote console settings.
type RCONConfig struct {
	Address string `json:"address"`
	// Password is optional. Absent means no authentication; an empty
	// string is still sent.
	Password             *string `json:"password,omitempty"`
	TimeoutSec           int     `json:"timeout_sec"`
	KeepaliveIntervalSec int     `json:"keepalive_interval_sec"`
	KeepaliveCommand     string  `json:"keepalive_command"`
	QueueSize            int     `json:"queue_size"`
	// ReconnectIntervalSec redials a terminated session. Zero leaves it
	// terminated until restart.
	ReconnectIntervalSec int `json:"reconnect_interval_sec"`
}

// SteamCMDConfig holds the updater settings.
type SteamCMDConfig struct {
	Executable   string   `json:"executable"`
	Unbuffer     []string `json:"unbuffer"`
	InstallDir   string   `json:"install_dir"`
	AppID        string   `json:"app_id"`
	ChunkBuffer  int      `json:"chunk_buffer"`
	ReadSize     int      `json:"read_size"`
	KillAfterSec int      `json:"kill_after_sec"`
}

// GameConfigConfig locates the game ini files. Relative paths are resolved
// against the SteamCMD install directory.
type GameConfigConfig struct {
	DefaultPath string `json:"default_path"`
	CurrentPath string `json:"current_path"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// NotifyConfig holds the Discord webhook notification settings.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	Username   string `json:"username"`
	// NotifyUpdates also posts successful updates, not only failures.
	NotifyUpdates bool `json:"notify_updates"`
}

// DatabaseConfig holds the history database settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	// RecordKeepalives also stores keepalive probes in the command history.
	RecordKeepalives bool `json:"record_keepalives"`
}

// SchedulerConfig holds periodic task settings.
type SchedulerConfig struct {
	AutoSaveEnabled           bool `json:"auto_save_enabled"`
	AutoSaveIntervalSec       int  `json:"auto_save_interval_sec"`
	HistoryCleanupIntervalSec int  `json:"history_cleanup_interval_sec"`
}

// HealthConfig holds health check settings.
type HealthConfig struct {
	Enabled          bool    `json:"enabled"`
	CheckIntervalSec int     `json:"check_interval_sec"`
	DiskWarnPercent  float64 `json:"disk_warn_percent"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// ConsoleConfig holds the interactive operator console settings.
type ConsoleConfig struct {
	Enabled     bool   `json:"enabled"`
	Prompt      string `json:"prompt"`
	HistoryFile string `json:"history_file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Address:            DefaultGatewayAddress,
			AllowedOrigins:     []string{"*"},
			RateLimitRPS:       50,
			ShutdownTimeoutSec: 30,
			TLSCertFile:        "config/tls/cert.pem",
			TLSKeyFile:         "config/tls/key.pem",
		},
		RCON: RCONConfig{
			Address:              DefaultRCONAddress,
			TimeoutSec:           10,
			KeepaliveIntervalSec: 5,
			KeepaliveCommand:     "ShowPlayers",
			QueueSize:            32,
		},
		SteamCMD: SteamCMDConfig{
			Executable:  "/home/steam/steamcmd/steamcmd.sh",
			Unbuffer:    []string{"/bin/stdbuf", "--output=0"},
			InstallDir:  "/home/steam/palserver",
			AppID:       "2394010",
			ChunkBuffer: 128,
			ReadSize:    4096,
		},
		GameConfig: GameConfigConfig{
			DefaultPath: "DefaultPalWorldSettings.ini",
			CurrentPath: "Pal/Saved/Config/LinuxServer/PalWorldSettings.ini",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			ClientID:    "palboard-gateway",
			TopicPrefix: "palboard",
		},
		Notify: NotifyConfig{
			Enabled:       false,
			Username:      "Palboard",
			NotifyUpdates: true,
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/gateway.db",
			RetentionDays: 30,
		},
		Scheduler: SchedulerConfig{
			AutoSaveEnabled:           false,
			AutoSaveIntervalSec:       900,
			HistoryCleanupIntervalSec: 3600,
		},
		Health: HealthConfig{
			Enabled:          true,
			CheckIntervalSec: 30,
			DiskWarnPercent:  90,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
		Console: ConsoleConfig{
			Enabled: false,
			Prompt:  "palboard> ",
		},
	}
}

// Load reads configuration from a JSON file, overlaying it on the defaults.
// A missing file is created with the defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// ApplyEnv overrides settings from the environment through lookup, which is
// normally os.LookupEnv. It returns the names of the variables applied.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var applied []string
	if v, ok := lookup(EnvPalServerAddr); ok && v != "" {
		c.RCON.Address = v
		applied = append(applied, EnvPalServerAddr)
	}
	if v, ok := lookup(EnvPalServerPassword); ok {
		password := v
		c.RCON.Password = &password
		applied = append(applied, EnvPalServerPassword)
	}
	if v, ok := lookup(EnvGatewayAddr); ok && v != "" {
		c.Gateway.Address = v
		applied = append(applied, EnvGatewayAddr)
	}
	return applied
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) GetGateway() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

func (c *Config) GetRCON() RCONConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RCON
}

func (c *Config) GetSteamCMD() SteamCMDConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SteamCMD
}

// GetGameConfig returns the ini locations with relative paths resolved.
func (c *Config) GetGameConfig() GameConfigConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return GameConfigConfig{
		DefaultPath: resolve(c.SteamCMD.InstallDir, c.GameConfig.DefaultPath),
		CurrentPath: resolve(c.SteamCMD.InstallDir, c.GameConfig.CurrentPath),
	}
}

func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

func (c *Config) GetNotify() NotifyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Notify
}

func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

func (c *Config) GetScheduler() SchedulerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Scheduler
}

func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

func (c *Config) GetConsole() ConsoleConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Console
}

// Seconds converts an integer seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
