package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Storage   StorageConfig
	NCBI      NCBIConfig
	Fetch     FetchConfig
	Embed     EmbedConfig
	Chunk     ChunkConfig
	Retrieval RetrievalConfig
	Generate  GenerateConfig
	Net       NetConfig
	Server    ServerConfig
	Log       LogConfig
}

type StorageConfig struct {
	DataDir string
}

type NCBIConfig struct {
	BaseURL           string
	Email             string
	Tool              string
	APIKey            string
	RequestsPerSecond float64
	Query             string
	MaxResults        int
}

type FetchConfig struct {
	Concurrency int
}

type EmbedConfig struct {
	Backend     string // "ollama" or "hugot"
	BaseURL     string
	Model       string
	ModelDir    string // hugot only: where ONNX models are downloaded
	BatchSize   int
	Concurrency int
}

type ChunkConfig struct {
	Policy  string // "section" or "window"
	Size    int
	Overlap int
	MinSize int
}

type RetrievalConfig struct {
	TopK int
}

type GenerateConfig struct {
	Backend          string // "anthropic", "openrouter" or "ollama"
	BaseURL          string
	Model            string
	MaxTokens        int
	APIKey           string
	NoContextPolicy  string // "decline" or "general"
	MaxContextTokens int
}

type NetConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

const defaultQuery = "(Alzheimer's disease) AND (biomarkers) AND (2023:2025[dp])"

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		NCBI: NCBIConfig{
			BaseURL:           "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
			Tool:              "litrag",
			RequestsPerSecond: 2,
			Query:             defaultQuery,
			MaxResults:        50,
		},
		Fetch: FetchConfig{
			Concurrency: 2,
		},
		Embed: EmbedConfig{
			Backend:     "ollama",
			BaseURL:     "http://localhost:11434",
			Model:       "nomic-embed-text",
			ModelDir:    filepath.Join(dataDir, "models"),
			BatchSize:   16,
			Concurrency: 4,
		},
		Chunk: ChunkConfig{
			Policy:  "section",
			Size:    500,
			Overlap: 50,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Generate: GenerateConfig{
			Backend:          "anthropic",
			Model:            "claude-sonnet-4-5",
			MaxTokens:        1024,
			NoContextPolicy:  "decline",
			MaxContextTokens: 6000,
		},
		Net: NetConfig{
			Timeout:        60 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML config file, a .env file in the
// working directory, environment variables, and the platform secret store.
//
// The config file lives at $XDG_CONFIG_HOME/litrag/config.toml unless
// LITRAG_CONFIG points elsewhere. Environment variables (LITRAG_*) override
// file values. The generation API key additionally falls back to
// ANTHROPIC_API_KEY or OPENROUTER_API_KEY, then to the keychain.
func Load() (Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Generate.APIKey == "" {
		cfg.Generate.APIKey = providerKeyFromEnv(cfg.Generate.Backend)
	}
	if cfg.Generate.APIKey == "" && cfg.Generate.Backend != "ollama" {
		if key, err := kc.Get(keychainService, cfg.Generate.Backend+"_api_key"); err == nil && key != "" {
			cfg.Generate.APIKey = key
		}
	}
	if cfg.NCBI.APIKey == "" {
		cfg.NCBI.APIKey = os.Getenv("NCBI_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func providerKeyFromEnv(backend string) string {
	switch backend {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	}
	return ""
}

func (c Config) validate() error {
	switch c.Embed.Backend {
	case "ollama", "hugot":
	default:
		return fmt.Errorf("invalid embed.backend %q: want ollama or hugot", c.Embed.Backend)
	}
	switch c.Chunk.Policy {
	case "section", "window":
	default:
		return fmt.Errorf("invalid chunk.policy %q: want section or window", c.Chunk.Policy)
	}
	if c.Chunk.Size <= 0 {
		return fmt.Errorf("invalid chunk.size %d: must be positive", c.Chunk.Size)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("invalid chunk.overlap %d: must be in [0, chunk.size)", c.Chunk.Overlap)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid retrieval.top_k %d: must be positive", c.Retrieval.TopK)
	}
	switch c.Generate.Backend {
	case "anthropic", "openrouter", "ollama":
	default:
		return fmt.Errorf("invalid generate.backend %q: want anthropic, openrouter or ollama", c.Generate.Backend)
	}
	switch c.Generate.NoContextPolicy {
	case "decline", "general":
	default:
		return fmt.Errorf("invalid generate.no_context_policy %q: want decline or general", c.Generate.NoContextPolicy)
	}
	if c.Net.MaxRetries < 0 {
		return fmt.Errorf("invalid net.max_retries %d", c.Net.MaxRetries)
	}
	return nil
}

// RequireGenerationKey reports a descriptive error when the configured
// generation backend needs an API key and none was found.
func (c Config) RequireGenerationKey() error {
	if c.Generate.Backend == "ollama" || c.Generate.APIKey != "" {
		return nil
	}
	env := "ANTHROPIC_API_KEY"
	if c.Generate.Backend == "openrouter" {
		env = "OPENROUTER_API_KEY"
	}
	return fmt.Errorf("missing required config: %s API key. "+
		"Set it via environment variable LITRAG_GENERATE_API_KEY or %s%s",
		c.Generate.Backend, env, apiKeyHint(c.Generate.Backend))
}

// IndexDir is where index builds and the CURRENT pointer live.
func (c Config) IndexDir() string {
	return filepath.Join(c.Storage.DataDir, "index")
}

// keychainService names the secret store entry holding API keys.
const keychainService = "litrag"

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := secretLookup(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
