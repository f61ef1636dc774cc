package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type EmbedderConfig struct {
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Dim      int    `yaml:"dim"`
	MaxBatch int    `yaml:"max_batch"`
}

type ChunkerConfig struct {
	TargetSize int `yaml:"target_size"`
	Overlap    int `yaml:"overlap"`
}

type IngestConfig struct {
	Workers      int      `yaml:"workers"`
	MaxAttempts  int      `yaml:"max_attempts"`
	StageTimeout Duration `yaml:"stage_timeout"`
	LeaseTimeout Duration `yaml:"lease_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedder: EmbedderConfig{
			BaseURL:  "http://localhost:11434",
			Model:    "nomic-embed-text",
			Dim:      768,
			MaxBatch: 32,
		},
		Chunker: ChunkerConfig{
			TargetSize: 1000,
			Overlap:    200,
		},
		Ingest: IngestConfig{
			Workers:      2,
			MaxAttempts:  3,
			StageTimeout: Duration(90 * time.Second),
			LeaseTimeout: Duration(2 * time.Minute),
			PollInterval: Duration(250 * time.Millisecond),
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".vellum")
	}
	return ".vellum"
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "vellum", "config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "vellum", "config.yaml")
	}
	return "config.yaml"
}

// Load reads configuration in layers: built-in defaults, then the YAML file
// at $XDG_CONFIG_HOME/vellum/config.yaml (a missing file is fine), then
// VELLUM_* environment variables. A .env file in the working directory is
// loaded into the environment first, so it participates as env overrides.
//
// Server.Token has no default and must come from the file or environment.
func Load() (Config, error) {
	return LoadPath(defaultConfigPath())
}

// LoadPath is Load with an explicit config file location.
func LoadPath(path string) (Config, error) {
	// Absence of .env is not an error.
	_ = godotenv.Load()

	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults plus env is a complete configuration.
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Token == "" {
		return errors.New("missing required config: API token. Set server.token in the config file or VELLUM_SERVER_TOKEN in the environment")
	}
	if cfg.Embedder.Dim <= 0 {
		return fmt.Errorf("embedder.dim must be positive, got %d", cfg.Embedder.Dim)
	}
	if cfg.Chunker.Overlap >= cfg.Chunker.TargetSize {
		return fmt.Errorf("chunker.overlap (%d) must be smaller than chunker.target_size (%d)", cfg.Chunker.Overlap, cfg.Chunker.TargetSize)
	}
	return nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
