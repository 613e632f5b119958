package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all scoutd configuration. It is built once at startup and
// injected into components explicitly; nothing reads config at call time.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Ollama    OllamaConfig    `json:"ollama"`
	Storage   StorageConfig   `json:"storage"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Agent     AgentConfig     `json:"agent"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Port int `json:"port"`
	// APIToken, when non-empty, enables bearer auth on all routes except /health.
	APIToken string `json:"api_token"`
}

type OllamaConfig struct {
	BaseURL string `json:"base_url"`
	// ChatModel answers questions and drives the agent loop.
	ChatModel string `json:"chat_model"`
	// FastModel handles small structured-output calls (filter extraction, reranking).
	FastModel  string `json:"fast_model"`
	EmbedModel string `json:"embed_model"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
}

type RetrievalConfig struct {
	TopK            int     `json:"top_k"`
	KeywordWeight   float64 `json:"keyword_weight"`
	SemanticWeight  float64 `json:"semantic_weight"`
	RerankEnabled   bool    `json:"rerank_enabled"`
	RerankTimeout   string  `json:"rerank_timeout"`
	RerankThreshold float64 `json:"rerank_threshold"`
}

type AgentConfig struct {
	// MaxIterations bounds the number of tool-call rounds per run.
	MaxIterations int `json:"max_iterations"`
	// HistoryRuns is how many previous completed runs feed the conversation history.
	HistoryRuns int `json:"history_runs"`
	// HistoryMessages caps the working messages sent to the model per round.
	HistoryMessages int `json:"history_messages"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			FastModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			KeywordWeight:   0.4,
			SemanticWeight:  0.6,
			RerankEnabled:   false,
			RerankTimeout:   "5s",
			RerankThreshold: 0.3,
		},
		Agent: AgentConfig{
			MaxIterations:   10,
			HistoryRuns:     5,
			HistoryMessages: 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "scoutd-data"
		}
	}
	return filepath.Join(dir, "scoutd")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "scoutd", "config.json")
}

// Load reads configuration from the JSON config file (if present) and applies
// SCOUTD_* environment variable overrides on top of the defaults.
func Load() (Config, error) {
	return loadFrom(configFilePath(), os.Getenv)
}

func loadFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg, getenv)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK < 1 {
		cfg.Retrieval.TopK = 1
	}
	if cfg.Agent.MaxIterations < 1 {
		cfg.Agent.MaxIterations = 1
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if v := getenv("SCOUTD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := getenv("SCOUTD_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := getenv("SCOUTD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := getenv("SCOUTD_OLLAMA_URL"); v != "" {
		cfg.Ollama.BaseURL = strings.TrimRight(v, "/")
	}
	if v := getenv("SCOUTD_CHAT_MODEL"); v != "" {
		cfg.Ollama.ChatModel = v
	}
	if v := getenv("SCOUTD_FAST_MODEL"); v != "" {
		cfg.Ollama.FastModel = v
	}
	if v := getenv("SCOUTD_EMBED_MODEL"); v != "" {
		cfg.Ollama.EmbedModel = v
	}
	if v := getenv("SCOUTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
