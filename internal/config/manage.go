package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kBool
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
		key: "server.port", typ: kInt, env: "SCOUTD_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SCOUTD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SCOUTD_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "SCOUTD_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.fast_model", typ: kString, env: "SCOUTD_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.FastModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SCOUTD_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCOUTD_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.keyword_weight", typ: kFloat, env: "",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.KeywordWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.KeywordWeight },
	},
	{
		key: "retrieval.semantic_weight", typ: kFloat, env: "",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SemanticWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.SemanticWeight },
	},
	{
		key: "retrieval.rerank_enabled", typ: kBool, env: "",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankEnabled },
	},
	{
		key: "retrieval.rerank_timeout", typ: kString, env: "",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "retrieval.rerank_threshold", typ: kFloat, env: "",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankThreshold },
	},
	{
		key: "agent.max_iterations", typ: kInt, env: "",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxIterations },
	},
	{
		key: "agent.history_runs", typ: kInt, env: "",
		apply:   func(cfg *Config, v any) { cfg.Agent.HistoryRuns = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.HistoryRuns },
	},
	{
		key: "agent.history_messages", typ: kInt, env: "",
		apply:   func(cfg *Config, v any) { cfg.Agent.HistoryMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.HistoryMessages },
	},
	{
		key: "log.level", typ: kString, env: "SCOUTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// ShowAll returns all non-secret config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey parses and writes a single config key to the JSON config file.
// Environment variable overrides still win over the stored value at load time.
func SetKey(key, value string) error {
	return setKeyIn(configFilePath(), key, value)
}

func setKeyIn(path, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}

		parsed, err := parseValue(s.typ, key, value)
		if err != nil {
			return err
		}

		cfg := defaults()
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("reading config file %s: %w", path, err)
		}

		s.apply(&cfg, parsed)

		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, append(out, '\n'), 0o644)
	}

	return fmt.Errorf("unknown config key: %q", key)
}

func parseValue(typ keyType, key, value string) (any, error) {
	switch typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return i, nil
	case kFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value for %s: %w", key, err)
		}
		return f, nil
	case kBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %w", key, err)
		}
		return b, nil
	default:
		return value, nil
	}
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
