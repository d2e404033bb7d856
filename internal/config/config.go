package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Config holds the tunables shared by the backend, proxy, and launcher
// binaries.
type Config struct {
	// Listen is the backend's HTTP/WebSocket listen address.
	Listen string `json:"listen,omitempty"`
	// DatabaseDSN points at the backend's sqlite database. Empty means
	// Paths.DatabasePath().
	DatabaseDSN string `json:"database_dsn,omitempty"`
	// DevMode relaxes auth-token verification to "any non-empty token is
	// valid"; see internal/authtoken.
	DevMode bool `json:"dev_mode,omitempty"`
	// RejectUnknownResume decides what happens on a resume for an unknown
	// session: when set, Register{resuming:true} for an unknown session id
	// is rejected
	// instead of silently creating a fresh row.
	RejectUnknownResume bool `json:"reject_unknown_resume,omitempty"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout,omitempty"`

	MaxPendingMessagesPerSession int           `json:"max_pending_messages_per_session,omitempty"`
	MaxPendingMessageAge         time.Duration `json:"max_pending_message_age,omitempty"`

	MaxMessagesPerSession int `json:"max_messages_per_session,omitempty"`
	MaxMemoryMessages     int `json:"max_memory_messages,omitempty"`
	MaxUploadBase64Len    int `json:"max_upload_base64_len,omitempty"`

	ReconnectInitialDelay time.Duration `json:"reconnect_initial_delay,omitempty"`
	ReconnectMaxDelay     time.Duration `json:"reconnect_max_delay,omitempty"`
	StableConnectionAfter time.Duration `json:"stable_connection_after,omitempty"`

	RegisterAckTimeout time.Duration `json:"register_ack_timeout,omitempty"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Listen:                       ":8443",
		DevMode:                      false,
		RejectUnknownResume:          false,
		HeartbeatInterval:            15 * time.Second,
		HeartbeatTimeout:             45 * time.Second,
		MaxPendingMessagesPerSession: 256,
		MaxPendingMessageAge:         10 * time.Minute,
		MaxMessagesPerSession:        100,
		MaxMemoryMessages:            1000,
		MaxUploadBase64Len:           14 * 1024 * 1024,
		ReconnectInitialDelay:        1 * time.Second,
		ReconnectMaxDelay:            2 * time.Second,
		StableConnectionAfter:        30 * time.Second,
		RegisterAckTimeout:           10 * time.Second,
	}
}

// Load loads configuration from multiple sources (priority order):
//  1. Built-in defaults
//  2. Global config (~/.config/portal/portal.json[c])
//  3. Working-directory-local config (.portal/portal.json[c])
//  4. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "portal.json"), cfg)
	loadConfigFile(filepath.Join(globalPath, "portal.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".portal", "portal.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".portal", "portal.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadConfigFile loads a single config file, merging any fields it sets
// into cfg. Missing files are silently skipped.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = stripJSONComments(data)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}

	mergeConfig(cfg, &fileCfg)
	return nil
}

// stripJSONComments removes // and /* */ comments from JSONC.
func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	return multiLine.ReplaceAll(data, nil)
}

// mergeConfig overlays non-zero fields of source onto target.
func mergeConfig(target, source *Config) {
	if source.Listen != "" {
		target.Listen = source.Listen
	}
	if source.DatabaseDSN != "" {
		target.DatabaseDSN = source.DatabaseDSN
	}
	if source.DevMode {
		target.DevMode = true
	}
	if source.RejectUnknownResume {
		target.RejectUnknownResume = true
	}
	if source.HeartbeatInterval != 0 {
		target.HeartbeatInterval = source.HeartbeatInterval
	}
	if source.HeartbeatTimeout != 0 {
		target.HeartbeatTimeout = source.HeartbeatTimeout
	}
	if source.MaxPendingMessagesPerSession != 0 {
		target.MaxPendingMessagesPerSession = source.MaxPendingMessagesPerSession
	}
	if source.MaxPendingMessageAge != 0 {
		target.MaxPendingMessageAge = source.MaxPendingMessageAge
	}
	if source.MaxMessagesPerSession != 0 {
		target.MaxMessagesPerSession = source.MaxMessagesPerSession
	}
	if source.MaxMemoryMessages != 0 {
		target.MaxMemoryMessages = source.MaxMemoryMessages
	}
	if source.MaxUploadBase64Len != 0 {
		target.MaxUploadBase64Len = source.MaxUploadBase64Len
	}
	if source.ReconnectInitialDelay != 0 {
		target.ReconnectInitialDelay = source.ReconnectInitialDelay
	}
	if source.ReconnectMaxDelay != 0 {
		target.ReconnectMaxDelay = source.ReconnectMaxDelay
	}
	if source.StableConnectionAfter != 0 {
		target.StableConnectionAfter = source.StableConnectionAfter
	}
	if source.RegisterAckTimeout != 0 {
		target.RegisterAckTimeout = source.RegisterAckTimeout
	}
}

// applyEnvOverrides applies PORTAL_* environment variable overrides on
// top of file-based config, matching the teacher's env-override-last
// layering.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORTAL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PORTAL_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("PORTAL_DEV_MODE"); v == "1" || v == "true" {
		cfg.DevMode = true
	}
	if v := os.Getenv("PORTAL_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatTimeout = d
		}
	}
}

// Save writes the configuration to path as indented JSON.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
