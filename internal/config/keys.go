package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
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
		key: "storage.data_dir", typ: kString, env: "LITRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ncbi.base_url", typ: kString, env: "LITRAG_NCBI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.NCBI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.NCBI.BaseURL },
	},
	{
		key: "ncbi.email", typ: kString, env: "LITRAG_NCBI_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.NCBI.Email = v.(string) },
		extract: func(cfg Config) any { return cfg.NCBI.Email },
	},
	{
		key: "ncbi.tool", typ: kString, env: "LITRAG_NCBI_TOOL",
		apply:   func(cfg *Config, v any) { cfg.NCBI.Tool = v.(string) },
		extract: func(cfg Config) any { return cfg.NCBI.Tool },
	},
	{
		key: "ncbi.api_key", typ: kString, env: "LITRAG_NCBI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.NCBI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.NCBI.APIKey },
	},
	{
		key: "ncbi.requests_per_second", typ: kFloat, env: "LITRAG_NCBI_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.NCBI.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.NCBI.RequestsPerSecond },
	},
	{
		key: "ncbi.query", typ: kString, env: "LITRAG_NCBI_QUERY",
		apply:   func(cfg *Config, v any) { cfg.NCBI.Query = v.(string) },
		extract: func(cfg Config) any { return cfg.NCBI.Query },
	},
	{
		key: "ncbi.max_results", typ: kInt, env: "LITRAG_NCBI_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.NCBI.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.NCBI.MaxResults },
	},
	{
		key: "fetch.concurrency", typ: kInt, env: "LITRAG_FETCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.Concurrency },
	},
	{
		key: "embed.backend", typ: kString, env: "LITRAG_EMBED_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Embed.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Backend },
	},
	{
		key: "embed.base_url", typ: kString, env: "LITRAG_EMBED_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embed.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.BaseURL },
	},
	{
		key: "embed.model", typ: kString, env: "LITRAG_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Model },
	},
	{
		key: "embed.model_dir", typ: kString, env: "LITRAG_EMBED_MODEL_DIR",
		apply:   func(cfg *Config, v any) { cfg.Embed.ModelDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.ModelDir },
	},
	{
		key: "embed.batch_size", typ: kInt, env: "LITRAG_EMBED_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embed.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.BatchSize },
	},
	{
		key: "embed.concurrency", typ: kInt, env: "LITRAG_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embed.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.Concurrency },
	},
	{
		key: "chunk.policy", typ: kString, env: "LITRAG_CHUNK_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Policy = v.(string) },
		extract: func(cfg Config) any { return cfg.Chunk.Policy },
	},
	{
		key: "chunk.size", typ: kInt, env: "LITRAG_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.Size },
	},
	{
		key: "chunk.overlap", typ: kInt, env: "LITRAG_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.Overlap },
	},
	{
		key: "chunk.min_size", typ: kInt, env: "LITRAG_CHUNK_MIN_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunk.MinSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.MinSize },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "LITRAG_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "generate.backend", typ: kString, env: "LITRAG_GENERATE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generate.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.Backend },
	},
	{
		key: "generate.base_url", typ: kString, env: "LITRAG_GENERATE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generate.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.BaseURL },
	},
	{
		key: "generate.model", typ: kString, env: "LITRAG_GENERATE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generate.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.Model },
	},
	{
		key: "generate.max_tokens", typ: kInt, env: "LITRAG_GENERATE_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generate.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generate.MaxTokens },
	},
	{
		key: "generate.api_key", typ: kString, env: "LITRAG_GENERATE_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Generate.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.APIKey },
	},
	{
		key: "generate.no_context_policy", typ: kString, env: "LITRAG_GENERATE_NO_CONTEXT_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Generate.NoContextPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.NoContextPolicy },
	},
	{
		key: "generate.max_context_tokens", typ: kInt, env: "LITRAG_GENERATE_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generate.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generate.MaxContextTokens },
	},
	{
		key: "net.timeout", typ: kDuration, env: "LITRAG_NET_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Net.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Net.Timeout },
	},
	{
		key: "net.max_retries", typ: kInt, env: "LITRAG_NET_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Net.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Net.MaxRetries },
	},
	{
		key: "net.initial_backoff", typ: kDuration, env: "LITRAG_NET_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Net.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Net.InitialBackoff },
	},
	{
		key: "server.port", typ: kInt, env: "LITRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LITRAG_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "LITRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
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

// parseValue converts a raw string into the Go type the key expects.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			if s.typ == kString {
				s.apply(cfg, v)
				continue
			}
			if v == "" {
				continue
			}
			parsed, err := s.parseValue(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
