package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/erpflow/internal/erp"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Ollama    OllamaConfig
	ERP       ERPConfig
	Retrieval RetrievalConfig
	Assembler AssemblerConfig
	Workflow  WorkflowConfig
}

type ServerConfig struct {
	Port int `validate:"gte=1,lte=65535"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type OllamaConfig struct {
	BaseURL       string `validate:"required,url"`
	GenerateModel string `validate:"required"`
	EmbedModel    string `validate:"required"`
	// RoleModels overrides GenerateModel per role, as "role=model" pairs.
	RoleModels []string
}

// ModelForRole returns the model role generates with.
func (c OllamaConfig) ModelForRole(role string) string {
	for _, pair := range c.RoleModels {
		if r, m, ok := strings.Cut(pair, "="); ok && strings.TrimSpace(r) == role && strings.TrimSpace(m) != "" {
			return strings.TrimSpace(m)
		}
	}
	return c.GenerateModel
}

func (c OllamaConfig) checkRoleModels() error {
	for _, pair := range c.RoleModels {
		r, m, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(r) == "" || strings.TrimSpace(m) == "" {
			return fmt.Errorf("invalid config: ollama.role_models entry %q is not role=model", pair)
		}
	}
	return nil
}

// ERPConfig is optional; an empty BaseURL disables sync.
type ERPConfig struct {
	BaseURL      string `validate:"omitempty,url"`
	APIKey       string
	DocTypes     []string `validate:"dive,required"`
	SyncSchedule string
}

func (c ERPConfig) Enabled() bool { return c.BaseURL != "" }

type RetrievalConfig struct {
	TopK int `validate:"gte=1,lte=50"`
	// EmbedConcurrency bounds embedding requests in flight during batch work.
	EmbedConcurrency int `validate:"gte=1,lte=32"`
}

type AssemblerConfig struct {
	HopDepth   int `validate:"gte=0,lte=5"`
	ByteBudget int `validate:"gte=1024"`
}

type WorkflowConfig struct {
	WorkerPoolSize int           `validate:"gte=1,lte=64"`
	MaxAttempts    int           `validate:"gte=1,lte=10"`
	StageTimeout   time.Duration `validate:"gt=0"`
	BackoffInitial time.Duration `validate:"gt=0"`
	TemplatesFile  string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			GenerateModel: "mistral-nemo",
			EmbedModel:    "nomic-embed-text",
		},
		ERP: ERPConfig{
			DocTypes:     append([]string(nil), erp.DefaultDocTypes...),
			SyncSchedule: "@every 30m",
		},
		Retrieval: RetrievalConfig{TopK: 5, EmbedConcurrency: 4},
		Assembler: AssemblerConfig{HopDepth: 2, ByteBudget: 16 * 1024},
		Workflow: WorkflowConfig{
			WorkerPoolSize: 4,
			MaxAttempts:    3,
			StageTimeout:   2 * time.Minute,
			BackoffInitial: 500 * time.Millisecond,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/erpflow/config.json (or $ERPFLOW_CONFIG_FILE), then
// applies ERPFLOW_* environment overrides. The ERP API key comes from
// ERPFLOW_ERP_API_KEY or, failing that, the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.ERP.APIKey == "" && cfg.ERP.Enabled() {
		key, err := secrets.Get(accountERPAPIKey)
		switch {
		case err == nil:
			cfg.ERP.APIKey = key
		case !errors.Is(err, ErrNoSecret):
			return Config{}, fmt.Errorf("reading erp api key: %w", err)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Ollama.checkRoleModels(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
