package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "affbot", "secrets.json")
}

// fileSecrets is a flat JSON object of secret config keys, readable only by
// the owner.
type fileSecrets struct {
	path string
}

func (f fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f fileSecrets) Get(key string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not set", key)
	}
	return v, nil
}

func (f fileSecrets) Set(key, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[key] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// EnsureAdminToken fills cfg.Admin.Token, generating and persisting a new
// random token in the secrets file when none is configured. It reports
// whether a token was generated.
func EnsureAdminToken(cfg *Config) (bool, error) {
	return ensureAdminToken(cfg, fileSecrets{path: secretsFilePath()})
}

func ensureAdminToken(cfg *Config, secrets fileSecrets) (bool, error) {
	if cfg.Admin.Token != "" {
		return false, nil
	}
	token := uuid.NewString()
	if err := secrets.Set("admin.token", token); err != nil {
		return false, fmt.Errorf("storing admin token: %w", err)
	}
	cfg.Admin.Token = token
	return true, nil
}

// SetSecret stores a secret key in the secrets file.
func SetSecret(key, value string) error {
	s, ok := lookupSpec(key)
	if !ok || !s.secret {
		return fmt.Errorf("unknown secret key: %q", key)
	}
	return fileSecrets{path: secretsFilePath()}.Set(key, value)
}
