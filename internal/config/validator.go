package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateGateway(&cfg.Gateway, result)
	validateRCON(&cfg.RCON, result)
	validateSteamCMD(&cfg.SteamCMD, result)
	validateMQTT(&cfg.MQTT, result)
	validateNotify(&cfg.Notify, result)
	validateDatabase(&cfg.Database, result)
	validateScheduler(&cfg.Scheduler, result)

	if cfg.Health.Enabled && cfg.Health.CheckIntervalSec < 1 {
		result.AddError("health.check_interval_sec", "check interval must be at least 1 second")
	}
	if cfg.Health.DiskWarnPercent <= 0 || cfg.Health.DiskWarnPercent > 100 {
		result.AddWarning("health.disk_warn_percent", "disk threshold outside (0, 100], disk check disabled")
	}

	return result
}

func validateGateway(data *GatewayConfig, result *ValidationResult) {
	validateAddress(data.Address, "gateway.address", result)

	if data.RateLimitRPS < 1 {
		result.AddWarning("gateway.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if data.ShutdownTimeoutSec < 1 {
		result.AddError("gateway.shutdown_timeout_sec", "shutdown timeout must be at least 1 second")
	}
}

func validateRCON(data *RCONConfig, result *ValidationResult) {
	if strings.TrimSpace(data.Address) == "" {
		result.AddError("rcon.address", "RCON address is required (set "+EnvPalServerAddr+")")
	} else {
		validateAddress(data.Address, "rcon.address", result)
	}

	if data.Password == nil {
		result.AddWarning("rcon.password", "no RCON password set, authentication will be skipped")
	}
	if data.KeepaliveIntervalSec < 1 {
		result.AddError("rcon.keepalive_interval_sec", "keepalive interval must be at least 1 second")
	}
	if data.QueueSize < 1 {
		result.AddError("rcon.queue_size", "queue size must be at least 1")
	}
	if data.TimeoutSec < 0 {
		result.AddError("rcon.timeout_sec", "timeout cannot be negative")
	}
}

func validateSteamCMD(data *SteamCMDConfig, result *ValidationResult) {
	if strings.TrimSpace(data.Executable) == "" {
		result.AddError("steamcmd.executable", "SteamCMD executable is required")
	} else if _, err := os.Stat(data.Executable); os.IsNotExist(err) {
		result.AddWarning("steamcmd.executable",
			fmt.Sprintf("executable does not exist: %s", data.Executable))
	}

	if strings.TrimSpace(data.InstallDir) == "" {
		result.AddError("steamcmd.install_dir", "install directory is required")
	}
	if strings.TrimSpace(data.AppID) == "" {
		result.AddError("steamcmd.app_id", "app id is required")
	}
	if data.ChunkBuffer < 1 {
		result.AddError("steamcmd.chunk_buffer", "chunk buffer must be at least 1")
	}
	if data.KillAfterSec < 0 {
		result.AddError("steamcmd.kill_after_sec", "kill-after cannot be negative")
	}
}

func validateMQTT(data *MQTTConfig, result *ValidationResult) {
	if !data.Enabled {
		return
	}
	if strings.TrimSpace(data.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if data.Port < 1 || data.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validateNotify(data *NotifyConfig, result *ValidationResult) {
	if !data.Enabled {
		return
	}
	u, err := url.Parse(data.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result.AddError("notify.webhook_url", "webhook URL must be an http(s) URL when notifications are enabled")
	}
}

func validateDatabase(data *DatabaseConfig, result *ValidationResult) {
	if !data.Enabled {
		return
	}
	if strings.TrimSpace(data.Path) == "" {
		result.AddError("database.path", "database path is required when enabled")
	}
	if data.RetentionDays < 1 {
		result.AddWarning("database.retention_days", "history is kept forever")
	}
}

func validateScheduler(data *SchedulerConfig, result *ValidationResult) {
	if data.AutoSaveEnabled && data.AutoSaveIntervalSec < 60 {
		result.AddWarning("scheduler.auto_save_interval_sec",
			"auto-save interval less than 60s may stall the game server")
	}
}

func validateAddress(address, field string, result *ValidationResult) {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", address, err))
		return
	}
	if port == "" || port == "0" {
		result.AddError(field, fmt.Sprintf("address %q has no port", address))
	}
}
