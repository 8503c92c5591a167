package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Dirs       DirsConfig
	Watcher    WatcherConfig
	Embedding  EmbeddingConfig
	Categorize CategorizeConfig
	Pipeline   PipelineConfig
	Storage    StorageConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type DirsConfig struct {
	Input   string
	Archive string
}

type WatcherConfig struct {
	// DebounceWindow is how long a path must stay quiet before its
	// coalesced event is emitted.
	DebounceWindow time.Duration
	EventBuffer    int
}

type EmbeddingConfig struct {
	// Provider selects the embedding backend: "openai" or "ollama".
	Provider string

	// OpenAI-style remote provider.
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int

	// Multimodal sends image content to the remote provider as a base64
	// data URL instead of its text rendering. Requires a model that
	// accepts image input.
	Multimodal bool

	// Local Ollama endpoint.
	OllamaBaseURL string
	OllamaModel   string

	// ChatModel, when set, enables LLM-assisted category naming for
	// files that match no existing category.
	ChatModel string

	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type CategorizeConfig struct {
	// Epsilon is the score band below the top candidate within which
	// ties are broken by category size.
	Epsilon float64

	// MinConfidence is the similarity a candidate must clear before it
	// is preferred over the default bucket.
	MinConfidence float64

	DefaultCategory string
}

type PipelineConfig struct {
	Workers int
	Timeout time.Duration

	// ReconcileInterval is how often the archive tree is checked for
	// files that were deleted or moved outside the daemon, so their
	// index records can be cleaned up.
	ReconcileInterval time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Server: ServerConfig{
			Port: 4810,
		},
		Dirs: DirsConfig{
			Input:   filepath.Join(home, "Desktop", "Input"),
			Archive: filepath.Join(home, "Desktop", "Archive"),
		},
		Watcher: WatcherConfig{
			DebounceWindow: 2 * time.Second,
			EventBuffer:    256,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			OllamaBaseURL:  "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     8 * time.Second,
		},
		Categorize: CategorizeConfig{
			Epsilon:         0.05,
			MinConfidence:   0.25,
			DefaultCategory: "Uncategorized",
		},
		Pipeline: PipelineConfig{
			Workers:           3,
			Timeout:           60 * time.Second,
			ReconcileInterval: time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "shelfd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shelfd"
	}
	return filepath.Join(home, ".local", "share", "shelfd")
}

// Load reads configuration from the config file in the data dir (if
// present) and applies SHELF_* environment overrides on top of defaults.
// Credentials (API key, bearer token) are accepted pre-resolved via file
// or environment; this package never touches a secret store.
func Load() (Config, error) {
	cfg := defaults()
	// The data dir env override is resolved first so the config file is
	// read from the relocated directory.
	envString(&cfg.Storage.DataDir, "SHELF_DATA_DIR")
	path := filepath.Join(cfg.Storage.DataDir, "config.json")
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, cfg.validate()
}

// fileConfig is the on-disk JSON shape. Durations are strings ("2s").
type fileConfig struct {
	Port              *int     `json:"port"`
	APIToken          *string  `json:"api_token"`
	InputDir          *string  `json:"input_dir"`
	ArchiveDir        *string  `json:"archive_dir"`
	DataDir           *string  `json:"data_dir"`
	DebounceWindow    *string  `json:"debounce_window"`
	Provider          *string  `json:"embedding_provider"`
	APIKey            *string  `json:"embedding_api_key"`
	BaseURL           *string  `json:"embedding_base_url"`
	Model             *string  `json:"embedding_model"`
	Dimensions        *int     `json:"embedding_dimensions"`
	Multimodal        *bool    `json:"embedding_multimodal"`
	OllamaBaseURL     *string  `json:"ollama_base_url"`
	OllamaModel       *string  `json:"ollama_embed_model"`
	ChatModel         *string  `json:"ollama_chat_model"`
	Workers           *int     `json:"pipeline_workers"`
	ReconcileInterval *string  `json:"reconcile_interval"`
	Epsilon           *float64 `json:"categorize_epsilon"`
	MinConfidence     *float64 `json:"categorize_min_confidence"`
	DefaultCategory   *string  `json:"default_category"`
	LogLevel          *string  `json:"log_level"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setInt(&cfg.Server.Port, fc.Port)
	setString(&cfg.Server.APIToken, fc.APIToken)
	setString(&cfg.Dirs.Input, fc.InputDir)
	setString(&cfg.Dirs.Archive, fc.ArchiveDir)
	setString(&cfg.Storage.DataDir, fc.DataDir)
	setString(&cfg.Embedding.Provider, fc.Provider)
	setString(&cfg.Embedding.APIKey, fc.APIKey)
	setString(&cfg.Embedding.BaseURL, fc.BaseURL)
	setString(&cfg.Embedding.Model, fc.Model)
	setInt(&cfg.Embedding.Dimensions, fc.Dimensions)
	setBool(&cfg.Embedding.Multimodal, fc.Multimodal)
	setString(&cfg.Embedding.OllamaBaseURL, fc.OllamaBaseURL)
	setString(&cfg.Embedding.OllamaModel, fc.OllamaModel)
	setString(&cfg.Embedding.ChatModel, fc.ChatModel)
	setInt(&cfg.Pipeline.Workers, fc.Workers)
	setFloat(&cfg.Categorize.Epsilon, fc.Epsilon)
	setFloat(&cfg.Categorize.MinConfidence, fc.MinConfidence)
	setString(&cfg.Categorize.DefaultCategory, fc.DefaultCategory)
	setString(&cfg.Log.Level, fc.LogLevel)

	if fc.DebounceWindow != nil {
		d, err := time.ParseDuration(*fc.DebounceWindow)
		if err != nil {
			return fmt.Errorf("parsing debounce_window: %w", err)
		}
		cfg.Watcher.DebounceWindow = d
	}
	if fc.ReconcileInterval != nil {
		d, err := time.ParseDuration(*fc.ReconcileInterval)
		if err != nil {
			return fmt.Errorf("parsing reconcile_interval: %w", err)
		}
		cfg.Pipeline.ReconcileInterval = d
	}

	return nil
}

func applyEnvOverrides(cfg *Config) {
	envString(&cfg.Dirs.Input, "SHELF_INPUT_DIR")
	envString(&cfg.Dirs.Archive, "SHELF_ARCHIVE_DIR")
	envString(&cfg.Storage.DataDir, "SHELF_DATA_DIR")
	envString(&cfg.Server.APIToken, "SHELF_API_TOKEN")
	envString(&cfg.Embedding.Provider, "SHELF_EMBEDDING_PROVIDER")
	envString(&cfg.Embedding.APIKey, "SHELF_EMBEDDING_API_KEY")
	envString(&cfg.Embedding.BaseURL, "SHELF_EMBEDDING_BASE_URL")
	envString(&cfg.Embedding.Model, "SHELF_EMBEDDING_MODEL")
	envString(&cfg.Embedding.OllamaBaseURL, "SHELF_OLLAMA_BASE_URL")
	envString(&cfg.Embedding.OllamaModel, "SHELF_OLLAMA_EMBED_MODEL")
	envString(&cfg.Embedding.ChatModel, "SHELF_OLLAMA_CHAT_MODEL")
	envString(&cfg.Log.Level, "SHELF_LOG_LEVEL")

	if v := os.Getenv("SHELF_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SHELF_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("SHELF_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watcher.DebounceWindow = d
		}
	}
	if v := os.Getenv("SHELF_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.ReconcileInterval = d
		}
	}
	if v := os.Getenv("SHELF_EMBEDDING_MULTIMODAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Embedding.Multimodal = b
		}
	}
}

func (c Config) validate() error {
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding provider %q requires an API key: set SHELF_EMBEDDING_API_KEY", c.Embedding.Provider)
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown embedding provider %q (want openai or ollama)", c.Embedding.Provider)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %v", c.Pipeline.ReconcileInterval)
	}
	if c.Categorize.Epsilon < 0 || c.Categorize.MinConfidence < 0 {
		return fmt.Errorf("categorization epsilon and min confidence must be non-negative")
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
