package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoSecret is returned by SecretStore.Get for an unset account.
var ErrNoSecret = errors.New("secret not set")

const (
	accountAPIToken  = "api_token"
	accountERPAPIKey = "erp_api_key"
)

// SecretStore holds credentials outside the config file.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// fileSecrets is a 0600 JSON file next to the data directory.
type fileSecrets struct {
	mu   sync.Mutex
	path string
}

// NewSecretStore returns the store at $XDG_DATA_HOME/erpflow/secrets.json.
func NewSecretStore() SecretStore {
	return &fileSecrets{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

func (s *fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return m, nil
}

func (s *fileSecrets) Get(account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := m[account]
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", account, ErrNoSecret)
	}
	return v, nil
}

func (s *fileSecrets) Set(account, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return err
	}
	m[account] = value
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// GetAPIToken returns the bearer token for the management API, generating
// and storing one on first use.
func GetAPIToken(s SecretStore) (string, error) {
	tok, err := s.Get(accountAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrNoSecret) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set(accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return tok, nil
}
