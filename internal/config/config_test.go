package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

// clearEnv neutralizes the env overrides Load applies, so tests see
// exactly what is on disk.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("STAGEHAND_DATA_DIR", "")
	t.Setenv("STAGEHAND_ENGINE_CMD", "")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := &Config{
		DataDir:             "/tmp/test-data",
		LogLevel:            "debug",
		DefaultAgent:        "reviewer",
		MaxConcurrent:       8,
		ApprovalTimeoutSecs: 60,
	}
	original.Engine.Command = []string{"codex", "app-server", "--verbose"}
	original.Engine.Workers = 2
	original.Engine.HighWater = 128
	original.Engine.HandshakeTimeoutSecs = 5
	original.Engine.MaxRestarts = 3
	original.Telegram.Token = "bot-token-456"
	original.Web.Listen = "0.0.0.0:9090"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file does not exist after Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("LogLevel mismatch: %v != %v", loaded.LogLevel, original.LogLevel)
	}
	if loaded.DefaultAgent != original.DefaultAgent {
		t.Errorf("DefaultAgent mismatch: %v != %v", loaded.DefaultAgent, original.DefaultAgent)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if loaded.ApprovalTimeoutSecs != original.ApprovalTimeoutSecs {
		t.Errorf("ApprovalTimeoutSecs mismatch: %v != %v", loaded.ApprovalTimeoutSecs, original.ApprovalTimeoutSecs)
	}
	if len(loaded.Engine.Command) != 3 || loaded.Engine.Command[2] != "--verbose" {
		t.Errorf("Engine.Command mismatch: %v", loaded.Engine.Command)
	}
	if loaded.Engine.Workers != original.Engine.Workers {
		t.Errorf("Engine.Workers mismatch: %v != %v", loaded.Engine.Workers, original.Engine.Workers)
	}
	if loaded.Engine.HighWater != original.Engine.HighWater {
		t.Errorf("Engine.HighWater mismatch: %v != %v", loaded.Engine.HighWater, original.Engine.HighWater)
	}
	if loaded.Telegram.Token != original.Telegram.Token {
		t.Errorf("Telegram.Token mismatch: %v != %v", loaded.Telegram.Token, original.Telegram.Token)
	}
	if loaded.Web.Listen != original.Web.Listen {
		t.Errorf("Web.Listen mismatch: %v != %v", loaded.Web.Listen, original.Web.Listen)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected default log_level=info, got %v", cfg.LogLevel)
	}
	if cfg.DefaultAgent != "default" {
		t.Errorf("expected default_agent=default, got %v", cfg.DefaultAgent)
	}
	if len(cfg.Engine.Command) != 2 || cfg.Engine.Command[0] != "codex" {
		t.Errorf("unexpected default engine command: %v", cfg.Engine.Command)
	}
	if cfg.Engine.HighWater != 256 {
		t.Errorf("expected engine.high_water=256, got %v", cfg.Engine.HighWater)
	}
	if cfg.Web.Listen != "127.0.0.1:8484" {
		t.Errorf("expected web.listen=127.0.0.1:8484, got %v", cfg.Web.Listen)
	}

	// Load should have persisted the defaults.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist after first Load: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info", DataDir: "/from/file"}
	cfg.Telegram.Token = "file-token"
	writeTestConfig(t, path, cfg)

	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("STAGEHAND_DATA_DIR", "/from/env")
	t.Setenv("STAGEHAND_ENGINE_CMD", "codex app-server --profile bot")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Telegram.Token != "env-token" {
		t.Errorf("expected env token to win, got %v", loaded.Telegram.Token)
	}
	if loaded.DataDir != "/from/env" {
		t.Errorf("expected env data dir to win, got %v", loaded.DataDir)
	}
	if len(loaded.Engine.Command) != 4 || loaded.Engine.Command[3] != "bot" {
		t.Errorf("expected env engine command to win, got %v", loaded.Engine.Command)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	// Verify the file is valid JSON
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.Engine.Workers = 3
	cfg.Engine.HighWater = 64
	cfg.Web.Listen = "127.0.0.1:8080"

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}

	eng, ok := m["engine"].(map[string]any)
	if !ok {
		t.Fatalf("expected engine to be map, got %T", m["engine"])
	}
	// JSON numbers are float64
	if eng["workers"] != float64(3) {
		t.Errorf("expected engine.workers=3, got %v", eng["workers"])
	}
	if eng["high_water"] != float64(64) {
		t.Errorf("expected engine.high_water=64, got %v", eng["high_water"])
	}

	web, ok := m["web"].(map[string]any)
	if !ok {
		t.Fatalf("expected web to be map, got %T", m["web"])
	}
	if web["listen"] != "127.0.0.1:8080" {
		t.Errorf("expected web.listen=127.0.0.1:8080, got %v", web["listen"])
	}
}

func TestListValues_NoMask(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.Telegram.Token = "bot-token-abcd"
	writeTestConfig(t, path, cfg)

	flat, err := ListValues(path, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["telegram.token"] != "bot-token-abcd" {
		t.Errorf("expected unmasked telegram.token, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.Telegram.Token = "bot-token-abcd"
	writeTestConfig(t, path, cfg)

	flat, err := ListValues(path, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}

	// Non-secrets should be unchanged
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{
		LogLevel:      "debug",
		MaxConcurrent: 8,
	}
	cfg.Engine.Workers = 2
	cfg.Web.Listen = "127.0.0.1:9000"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "web.listen")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "127.0.0.1:9000" {
		t.Errorf("expected web.listen=127.0.0.1:9000, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(8) {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue_String(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info", DefaultAgent: "default"}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug after set, got %v", v)
	}

	// Verify other values are preserved
	v, err = GetValue(path, "default_agent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "default" {
		t.Errorf("expected default_agent=default (preserved), got %v", v)
	}
}

func TestSetValue_Numeric(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{MaxConcurrent: 2}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "max_concurrent", "16"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(16) {
		t.Errorf("expected max_concurrent=16, got %v (%T)", v, v)
	}
}

func TestSetValue_NestedKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Engine.Workers = 1
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "engine.workers", "4"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "engine.workers")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(4) {
		t.Errorf("expected engine.workers=4, got %v", v)
	}
}

func TestSetValue_CommandList(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Engine.Command = []string{"codex", "app-server"}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "engine.command", `["codex","app-server","--profile","bot"]`); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Engine.Command) != 4 || loaded.Engine.Command[3] != "bot" {
		t.Errorf("expected updated engine command, got %v", loaded.Engine.Command)
	}
}

func TestSetValue_UnknownKeyIsDropped(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	// SetValue round-trips through the Config struct, so keys that do
	// not correspond to a field do not survive the write.
	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	if _, err := GetValue(path, "custom.setting"); err == nil {
		t.Fatal("expected unknown key to be dropped, got a value")
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "does-not-exist", "readonly")
	// Make the parent path a file so Load cannot create the config there.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}
	err := SetValue(filepath.Join(path, "config.json"), "log_level", "debug")
	if err == nil {
		t.Fatal("expected error when config path is unwritable, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	clearEnv(t)
	// Load creates the file with defaults when it does not exist.
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
