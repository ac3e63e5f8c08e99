package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kList // comma-separated
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
		key: "server.port", typ: kInt, env: "ERPFLOW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "ERPFLOW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ERPFLOW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ERPFLOW_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.generate_model", typ: kString, env: "ERPFLOW_OLLAMA_GENERATE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.GenerateModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.GenerateModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "ERPFLOW_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.role_models", typ: kList, env: "ERPFLOW_OLLAMA_ROLE_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RoleModels = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Ollama.RoleModels, ",") },
	},
	{
		key: "erp.base_url", typ: kString, env: "ERPFLOW_ERP_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.ERP.BaseURL = strings.TrimRight(v.(string), "/") },
		extract: func(cfg Config) any { return cfg.ERP.BaseURL },
	},
	{
		key: "erp.api_key", typ: kString, env: "ERPFLOW_ERP_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.ERP.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.ERP.APIKey },
	},
	{
		key: "erp.doctypes", typ: kList, env: "ERPFLOW_ERP_DOCTYPES",
		apply:   func(cfg *Config, v any) { cfg.ERP.DocTypes = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.ERP.DocTypes, ",") },
	},
	{
		key: "erp.sync_schedule", typ: kString, env: "ERPFLOW_ERP_SYNC_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.ERP.SyncSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.ERP.SyncSchedule },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "ERPFLOW_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.embed_concurrency", typ: kInt, env: "ERPFLOW_RETRIEVAL_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbedConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbedConcurrency },
	},
	{
		key: "assembler.hop_depth", typ: kInt, env: "ERPFLOW_ASSEMBLER_HOP_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Assembler.HopDepth = v.(int) },
		extract: func(cfg Config) any { return cfg.Assembler.HopDepth },
	},
	{
		key: "assembler.byte_budget", typ: kInt, env: "ERPFLOW_ASSEMBLER_BYTE_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Assembler.ByteBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Assembler.ByteBudget },
	},
	{
		key: "workflow.worker_pool_size", typ: kInt, env: "ERPFLOW_WORKFLOW_WORKER_POOL_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Workflow.WorkerPoolSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.WorkerPoolSize },
	},
	{
		key: "workflow.max_attempts", typ: kInt, env: "ERPFLOW_WORKFLOW_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Workflow.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Workflow.MaxAttempts },
	},
	{
		key: "workflow.stage_timeout", typ: kDuration, env: "ERPFLOW_WORKFLOW_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Workflow.StageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Workflow.StageTimeout },
	},
	{
		key: "workflow.backoff_initial", typ: kDuration, env: "ERPFLOW_WORKFLOW_BACKOFF_INITIAL",
		apply:   func(cfg *Config, v any) { cfg.Workflow.BackoffInitial = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Workflow.BackoffInitial },
	},
	{
		key: "workflow.templates_file", typ: kString, env: "ERPFLOW_WORKFLOW_TEMPLATES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Workflow.TemplatesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.TemplatesFile },
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

// parseValue converts raw text to the Go value apply expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
