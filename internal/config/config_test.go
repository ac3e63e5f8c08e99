package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// memSecrets is an in-memory SecretStore.
type memSecrets struct {
	m   map[string]string
	err error
}

func (s *memSecrets) Get(account string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.m[account]
	if !ok {
		return "", ErrNoSecret
	}
	return v, nil
}

func (s *memSecrets) Set(account, value string) error {
	if s.m == nil {
		s.m = map[string]string{}
	}
	s.m[account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return newFileBackend(path)
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, ""), &memSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.GenerateModel != "mistral-nemo" || cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.ERP.Enabled() {
		t.Error("ERP enabled without a base URL")
	}
	if len(cfg.ERP.DocTypes) != 14 {
		t.Errorf("len(ERP.DocTypes) = %d, want 14", len(cfg.ERP.DocTypes))
	}
	if cfg.Workflow.StageTimeout != 2*time.Minute || cfg.Workflow.MaxAttempts != 3 {
		t.Errorf("Workflow = %+v", cfg.Workflow)
	}
	if cfg.Assembler.HopDepth != 2 || cfg.Retrieval.TopK != 5 || cfg.Retrieval.EmbedConcurrency != 4 {
		t.Errorf("Assembler = %+v, Retrieval = %+v", cfg.Assembler, cfg.Retrieval)
	}
}

func TestFileValues(t *testing.T) {
	b := writeTempConfig(t, `{
		"server.port": 5000,
		"erp.base_url": "http://erp.local/",
		"erp.doctypes": ["Customer", "Item"],
		"workflow.stage_timeout": "45s",
		"log.level": "DEBUG"
	}`)
	secrets := &memSecrets{m: map[string]string{accountERPAPIKey: "k:s"}}

	cfg, err := loadWith(b, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.ERP.BaseURL != "http://erp.local" || cfg.ERP.APIKey != "k:s" {
		t.Errorf("ERP = %+v", cfg.ERP)
	}
	if len(cfg.ERP.DocTypes) != 2 || cfg.ERP.DocTypes[1] != "Item" {
		t.Errorf("ERP.DocTypes = %v", cfg.ERP.DocTypes)
	}
	if cfg.Workflow.StageTimeout != 45*time.Second {
		t.Errorf("StageTimeout = %v", cfg.Workflow.StageTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 5000, "erp.base_url": "http://file.local"}`)
	t.Setenv("ERPFLOW_SERVER_PORT", "6000")
	t.Setenv("ERPFLOW_ERP_BASE_URL", "http://env.local")
	t.Setenv("ERPFLOW_ERP_API_KEY", "env-key")
	t.Setenv("ERPFLOW_ERP_DOCTYPES", "Customer, Supplier ,")

	cfg, err := loadWith(b, &memSecrets{m: map[string]string{accountERPAPIKey: "stored"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.ERP.BaseURL != "http://env.local" || cfg.ERP.APIKey != "env-key" {
		t.Errorf("ERP = %+v", cfg.ERP)
	}
	if len(cfg.ERP.DocTypes) != 2 || cfg.ERP.DocTypes[1] != "Supplier" {
		t.Errorf("ERP.DocTypes = %v", cfg.ERP.DocTypes)
	}
}

func TestUnparsableValuesKeepDefaults(t *testing.T) {
	b := writeTempConfig(t, `{"workflow.backoff_initial": "soon"}`)
	t.Setenv("ERPFLOW_RETRIEVAL_TOP_K", "many")

	cfg, err := loadWith(b, &memSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Workflow.BackoffInitial != 500*time.Millisecond {
		t.Errorf("TopK = %d, BackoffInitial = %v", cfg.Retrieval.TopK, cfg.Workflow.BackoffInitial)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{"port out of range", `{"server.port": 70000}`},
		{"unknown log level", `{"log.level": "verbose"}`},
		{"bad erp url", `{"erp.base_url": "not a url"}`},
		{"zero pool", `{"workflow.worker_pool_size": 0}`},
		{"fractional int", `{"retrieval.top_k": 2.5}`},
		{"zero embed concurrency", `{"retrieval.embed_concurrency": 0}`},
		{"role model without model", `{"ollama.role_models": ["diagram-generator="]}`},
		{"role model without separator", `{"ollama.role_models": ["diagram-generator"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadWith(writeTempConfig(t, tt.file), &memSecrets{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSecretsSkippedWhenERPDisabled(t *testing.T) {
	broken := &memSecrets{err: errors.New("disk on fire")}
	if _, err := loadWith(writeTempConfig(t, ""), broken); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := loadWith(writeTempConfig(t, `{"erp.base_url": "http://erp.local"}`), broken); err == nil {
		t.Error("expected secrets error with ERP enabled")
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, "")
	secrets := &memSecrets{}

	if err := setKey(b, secrets, "server.port", "4500"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := setKey(b, secrets, "workflow.stage_timeout", "90s"); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if err := setKey(b, secrets, "erp.api_key", "k:s"); err != nil {
		t.Fatalf("set api key: %v", err)
	}
	if err := setKey(b, secrets, "server.port", "high"); err == nil {
		t.Error("non-integer port accepted")
	}
	if err := setKey(b, secrets, "no.such.key", "x"); err == nil {
		t.Error("unknown key accepted")
	}

	if _, ok := b.data["erp.api_key"]; ok {
		t.Error("secret written to config file")
	}
	if secrets.m[accountERPAPIKey] != "k:s" {
		t.Errorf("secrets = %v", secrets.m)
	}

	// Reload from disk.
	cfg, err := loadWith(newFileBackend(b.path), secrets)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 4500 || cfg.Workflow.StageTimeout != 90*time.Second {
		t.Errorf("reloaded port = %d, timeout = %v", cfg.Server.Port, cfg.Workflow.StageTimeout)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.ERP.APIKey = "k:s"
	found := false
	for _, k := range ShowAll(cfg) {
		if k.Key == "erp.api_key" {
			found = true
			if k.Value == "k:s" {
				t.Error("secret shown in clear")
			}
		}
		if k.Key == "workflow.stage_timeout" && k.Value != "2m0s" {
			t.Errorf("stage_timeout = %q", k.Value)
		}
	}
	if !found {
		t.Error("erp.api_key missing from ShowAll")
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys = %d, want %d", len(ValidKeys()), len(specs))
	}
}

func TestGetAPIToken(t *testing.T) {
	s := &fileSecrets{path: filepath.Join(t.TempDir(), "erpflow", "secrets.json")}

	first, err := GetAPIToken(s)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := GetAPIToken(s)
	if err != nil || second != first {
		t.Errorf("second call = %q, %v; want stable token", second, err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestModelForRole(t *testing.T) {
	b := writeTempConfig(t, `{"ollama.role_models": ["diagram-generator=qwen2.5-coder", " schema-designer = llama3.1 "]}`)
	cfg, err := loadWith(b, &memSecrets{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	for role, want := range map[string]string{
		"diagram-generator":     "qwen2.5-coder",
		"schema-designer":       "llama3.1",
		"requirements-analyzer": "mistral-nemo",
	} {
		if got := cfg.Ollama.ModelForRole(role); got != want {
			t.Errorf("ModelForRole(%q) = %q, want %q", role, got, want)
		}
	}
}
