package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "AFFBOT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "AFFBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AFFBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "AFFBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ingest.source", typ: kString, env: "AFFBOT_INGEST_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Source },
	},
	{
		key: "ingest.path", typ: kString, env: "AFFBOT_INGEST_PATH",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Path },
	},
	{
		key: "ingest.url", typ: kString, env: "AFFBOT_INGEST_URL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.URL },
	},
	{
		key: "ingest.token", typ: kString, env: "AFFBOT_INGEST_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Ingest.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Token },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "AFFBOT_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "queue.capacity", typ: kInt, env: "AFFBOT_QUEUE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Queue.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.Capacity },
	},
	{
		key: "classifier.base_url", typ: kString, env: "AFFBOT_CLASSIFIER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Classifier.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.BaseURL },
	},
	{
		key: "classifier.model", typ: kString, env: "AFFBOT_CLASSIFIER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.Model },
	},
	{
		key: "classifier.api_key", typ: kString, env: "AFFBOT_CLASSIFIER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Classifier.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.APIKey },
	},
	{
		key: "classifier.timeout", typ: kDuration, env: "AFFBOT_CLASSIFIER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Classifier.Timeout },
	},
	{
		key: "research.base_url", typ: kString, env: "AFFBOT_RESEARCH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Research.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Research.BaseURL },
	},
	{
		key: "research.model", typ: kString, env: "AFFBOT_RESEARCH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Research.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Research.Model },
	},
	{
		key: "research.api_key", typ: kString, env: "AFFBOT_RESEARCH_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Research.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Research.APIKey },
	},
	{
		key: "research.timeout", typ: kDuration, env: "AFFBOT_RESEARCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Research.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Research.Timeout },
	},
	{
		key: "sender.kind", typ: kString, env: "AFFBOT_SENDER_KIND",
		apply:   func(cfg *Config, v any) { cfg.Sender.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.Kind },
	},
	{
		key: "sender.url", typ: kString, env: "AFFBOT_SENDER_URL",
		apply:   func(cfg *Config, v any) { cfg.Sender.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.URL },
	},
	{
		key: "sender.token", typ: kString, env: "AFFBOT_SENDER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sender.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Sender.Token },
	},
	{
		key: "sender.timeout", typ: kDuration, env: "AFFBOT_SENDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sender.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sender.Timeout },
	},
	{
		key: "dispatch.interval", typ: kDuration, env: "AFFBOT_DISPATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.Interval },
	},
	{
		key: "admin.token", typ: kString, env: "AFFBOT_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Admin.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Admin.Token },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string into the key's value type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %w", s.key, err)
		}
		return i, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", s.key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration for %s must be positive", s.key)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s, raw)
			if err != nil {
				return err
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] env var %s=%q: %v. Using previous value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
