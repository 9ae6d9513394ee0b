package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets map[string]string

func (m mockSecrets) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not set")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string, secrets secretStore) Config {
	t.Helper()
	cfg, err := loadWith(newFileBackend(path), secrets)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadFromPath(t, filepath.Join(t.TempDir(), "missing.yaml"), mockSecrets{})

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ingest.Source != "file" || cfg.Ingest.PollInterval != 5*time.Second {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.Dispatch.Interval != 10*time.Second {
		t.Errorf("Dispatch.Interval = %v, want 10s", cfg.Dispatch.Interval)
	}
	if cfg.Classifier.Model != "llama3-8b-8192" {
		t.Errorf("Classifier.Model = %q", cfg.Classifier.Model)
	}
	if cfg.Sender.Kind != "log" {
		t.Errorf("Sender.Kind = %q, want log", cfg.Sender.Kind)
	}
	if cfg.Queue.Capacity != 0 {
		t.Errorf("Queue.Capacity = %d, want 0", cfg.Queue.Capacity)
	}
}

func TestYAMLParsing(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 5000
storage:
  data_dir: /tmp/affbot-test
ingest:
  source: http
  url: http://bridge.local/messages
  poll_interval: 2s
queue:
  capacity: 50
classifier:
  model: custom-classifier
sender:
  kind: webhook
  url: http://bridge.local/send
dispatch:
  interval: 1m
`)
	cfg := loadFromPath(t, path, mockSecrets{})

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/affbot-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Ingest.Source != "http" || cfg.Ingest.URL != "http://bridge.local/messages" || cfg.Ingest.PollInterval != 2*time.Second {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.Queue.Capacity != 50 {
		t.Errorf("Queue.Capacity = %d", cfg.Queue.Capacity)
	}
	if cfg.Classifier.Model != "custom-classifier" {
		t.Errorf("Classifier.Model = %q", cfg.Classifier.Model)
	}
	if cfg.Sender.Kind != "webhook" || cfg.Sender.URL != "http://bridge.local/send" {
		t.Errorf("Sender = %+v", cfg.Sender)
	}
	if cfg.Dispatch.Interval != time.Minute {
		t.Errorf("Dispatch.Interval = %v", cfg.Dispatch.Interval)
	}
}

func TestYAMLBadDuration(t *testing.T) {
	path := writeTempConfig(t, "dispatch:\n  interval: soon\n")
	if _, err := loadWith(newFileBackend(path), mockSecrets{}); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 5000\nclassifier:\n  model: file-model\n")
	t.Setenv("AFFBOT_SERVER_PORT", "6000")
	t.Setenv("AFFBOT_CLASSIFIER_MODEL", "env-model")
	t.Setenv("AFFBOT_DISPATCH_INTERVAL", "3s")
	t.Setenv("AFFBOT_QUEUE_CAPACITY", "not-a-number")

	cfg := loadFromPath(t, path, mockSecrets{})
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Classifier.Model != "env-model" {
		t.Errorf("Classifier.Model = %q, want env-model", cfg.Classifier.Model)
	}
	if cfg.Dispatch.Interval != 3*time.Second {
		t.Errorf("Dispatch.Interval = %v, want 3s", cfg.Dispatch.Interval)
	}
	if cfg.Queue.Capacity != 0 {
		t.Errorf("unparsable env must not change Queue.Capacity, got %d", cfg.Queue.Capacity)
	}
}

func TestSecretsFallback(t *testing.T) {
	path := writeTempConfig(t, "classifier:\n  api_key: ignored-from-file\n")
	t.Setenv("AFFBOT_RESEARCH_API_KEY", "env-research-key")

	cfg := loadFromPath(t, path, mockSecrets{
		"classifier.api_key": "secret-classifier-key",
		"research.api_key":   "secret-research-key",
		"admin.token":        "admin-tok",
	})

	if cfg.Classifier.APIKey != "secret-classifier-key" {
		t.Errorf("Classifier.APIKey = %q, want secrets file value", cfg.Classifier.APIKey)
	}
	if cfg.Research.APIKey != "env-research-key" {
		t.Errorf("Research.APIKey = %q, env must win over secrets file", cfg.Research.APIKey)
	}
	if cfg.Admin.Token != "admin-tok" {
		t.Errorf("Admin.Token = %q", cfg.Admin.Token)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Classifier.APIKey = "k1"
	cfg.Research.APIKey = "k2"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(defaults with keys) = %v", err)
	}

	missingKeys := defaults()
	err := missingKeys.Validate()
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("Validate without API keys = %v", err)
	}

	local := defaults()
	local.Classifier.BaseURL = "http://localhost:11434/v1"
	local.Research.BaseURL = "http://127.0.0.1:8080/v1"
	if err := local.Validate(); err != nil {
		t.Errorf("local endpoints should not need API keys: %v", err)
	}

	bad := cfg
	bad.Ingest.Source = "carrier-pigeon"
	bad.Sender.Kind = "webhook"
	bad.Sender.URL = "ftp://nope"
	err = bad.Validate()
	if err == nil || !strings.Contains(err.Error(), "ingest.source") || !strings.Contains(err.Error(), "sender.url") {
		t.Errorf("Validate(bad) = %v", err)
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "affbot", "config.yaml")
	b := newFileBackend(path)

	if err := setKey(b, "ingest.poll_interval", "750ms"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "classifier.api_key", "x"); err == nil {
		t.Error("expected error setting a secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg := loadFromPath(t, path, mockSecrets{})
	if cfg.Ingest.PollInterval != 750*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Ingest.PollInterval)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
}

func TestEnsureAdminToken(t *testing.T) {
	secrets := fileSecrets{path: filepath.Join(t.TempDir(), "secrets.json")}
	cfg := defaults()

	generated, err := ensureAdminToken(&cfg, secrets)
	if err != nil {
		t.Fatalf("ensureAdminToken: %v", err)
	}
	if !generated || cfg.Admin.Token == "" {
		t.Fatalf("generated = %v, token = %q", generated, cfg.Admin.Token)
	}
	stored, err := secrets.Get("admin.token")
	if err != nil || stored != cfg.Admin.Token {
		t.Errorf("stored token = %q, %v", stored, err)
	}

	again, err := ensureAdminToken(&cfg, secrets)
	if err != nil || again {
		t.Errorf("second call = %v, %v; want false, nil", again, err)
	}

	info, err := os.Stat(secrets.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Classifier.APIKey = "gsk_abcdef123456"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "classifier.api_key" && ki.Value != "****3456" {
			t.Errorf("masked value = %q", ki.Value)
		}
		if ki.Key == "research.api_key" && ki.Value != "(unset)" {
			t.Errorf("unset secret shown as %q", ki.Value)
		}
	}
}
