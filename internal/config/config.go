package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	DataDir             string `json:"data_dir"`
	LogLevel            string `json:"log_level"`
	DefaultAgent        string `json:"default_agent"`
	MaxConcurrent       int    `json:"max_concurrent"`
	ApprovalTimeoutSecs int    `json:"approval_timeout_secs"`
	Engine              struct {
		Command              []string `json:"command"`
		Workers              int      `json:"workers"`
		HighWater            int      `json:"high_water"`
		HandshakeTimeoutSecs int      `json:"handshake_timeout_secs"`
		MaxRestarts          int      `json:"max_restarts"`
	} `json:"engine"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Web struct {
		Listen string `json:"listen"`
	} `json:"web"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:             filepath.Join(os.Getenv("HOME"), ".stagehand"),
		LogLevel:            "info",
		DefaultAgent:        "default",
		MaxConcurrent:       4,
		ApprovalTimeoutSecs: 120,
	}
	cfg.Engine.Command = []string{"codex", "app-server"}
	cfg.Engine.Workers = 0 // 0 means available parallelism
	cfg.Engine.HighWater = 256
	cfg.Engine.HandshakeTimeoutSecs = 10
	cfg.Engine.MaxRestarts = 5
	cfg.Web.Listen = "127.0.0.1:8484"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dataDir := os.Getenv("STAGEHAND_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if engineCmd := os.Getenv("STAGEHAND_ENGINE_CMD"); engineCmd != "" {
		cfg.Engine.Command = strings.Fields(engineCmd)
	}

	return cfg, nil
}

// Save writes the config to disk using atomic write (temp file + rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts the config to a nested map keyed by json tags.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the config at path as a flat dot-key map, with
// secrets masked unless mask is false.
func ListValues(path string, mask bool) (map[string]any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the config at path.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-separated key into the config at path,
// creating the file with defaults first if needed. Values are parsed as
// JSON when possible so numbers and booleans round-trip; everything else
// is stored as a string.
func SetValue(path, key string, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	flat := Flatten(m)

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	nested := Unflatten(flat)
	data, err := json.Marshal(nested)
	if err != nil {
		return err
	}
	updated := &Config{}
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("config key %s does not fit: %w", key, err)
	}
	return Save(path, updated)
}
