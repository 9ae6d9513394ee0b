package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Ingest     IngestConfig
	Queue      QueueConfig
	Classifier LLMConfig
	Research   LLMConfig
	Sender     SenderConfig
	Dispatch   DispatchConfig
	Admin      AdminConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type IngestConfig struct {
	Source       string // "file" or "http"
	Path         string
	URL          string
	Token        string
	PollInterval time.Duration
}

type QueueConfig struct {
	Capacity int
}

// LLMConfig configures one OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type SenderConfig struct {
	Kind    string // "log" or "webhook"
	URL     string
	Token   string
	Timeout time.Duration
}

type DispatchConfig struct {
	Interval time.Duration
}

type AdminConfig struct {
	Token string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ingest: IngestConfig{
			Source:       "file",
			Path:         filepath.Join(dataDir, "inbox.jsonl"),
			PollInterval: 5 * time.Second,
		},
		Classifier: LLMConfig{
			BaseURL: "https://api.groq.com/openai/v1",
			Model:   "llama3-8b-8192",
			Timeout: 30 * time.Second,
		},
		Research: LLMConfig{
			BaseURL: "https://api.perplexity.ai",
			Model:   "sonar",
			Timeout: 90 * time.Second,
		},
		Sender: SenderConfig{
			Kind:    "log",
			Timeout: 15 * time.Second,
		},
		Dispatch: DispatchConfig{
			Interval: 10 * time.Second,
		},
	}
}

// Load reads configuration from defaults, the YAML config file at
// $XDG_CONFIG_HOME/affbot/config.yaml, AFFBOT_* environment variables and
// finally the secrets file for any secret still unset.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	return cfg, nil
}

// Addr is the listen address of the admin API.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL is the admin API URL used by CLI commands.
func (c Config) BaseURL() string {
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// Validate checks the settings the pipeline needs to start. Commands that
// only talk to the admin API do not call it.
func (c Config) Validate() error {
	var errs []error

	switch c.Ingest.Source {
	case "file":
		if c.Ingest.Path == "" {
			errs = append(errs, errors.New("ingest.path is required when ingest.source is file"))
		}
	case "http":
		if err := checkURL("ingest.url", c.Ingest.URL); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("ingest.source must be file or http, got %q", c.Ingest.Source))
	}

	for _, l := range []struct {
		name string
		cfg  LLMConfig
	}{{"classifier", c.Classifier}, {"research", c.Research}} {
		if err := checkURL(l.name+".base_url", l.cfg.BaseURL); err != nil {
			errs = append(errs, err)
		}
		if l.cfg.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", l.name))
		}
		if l.cfg.APIKey == "" && !isLocal(l.cfg.BaseURL) {
			errs = append(errs, fmt.Errorf("missing required config: %s API key. Set AFFBOT_%s_API_KEY or add %q to %s",
				l.name, strings.ToUpper(l.name), l.name+".api_key", secretsFilePath()))
		}
	}

	switch c.Sender.Kind {
	case "log":
	case "webhook":
		if err := checkURL("sender.url", c.Sender.URL); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("sender.kind must be log or webhook, got %q", c.Sender.Kind))
	}

	if c.Queue.Capacity < 0 {
		errs = append(errs, errors.New("queue.capacity must not be negative"))
	}
	return errors.Join(errs...)
}

func checkURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}

func isLocal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "affbot-data"
		}
	}
	return filepath.Join(dir, "affbot")
}
