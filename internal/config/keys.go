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
	kDuration
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		env: "VELLUM_SERVER_PORT", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		env: "VELLUM_SERVER_TOKEN", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
	},
	{
		env: "VELLUM_STORAGE_DATA_DIR", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		env: "VELLUM_EMBEDDER_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Embedder.BaseURL = v.(string) },
	},
	{
		env: "VELLUM_EMBEDDER_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Embedder.Model = v.(string) },
	},
	{
		env: "VELLUM_EMBEDDER_DIM", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Embedder.Dim = v.(int) },
	},
	{
		env: "VELLUM_EMBEDDER_MAX_BATCH", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Embedder.MaxBatch = v.(int) },
	},
	{
		env: "VELLUM_CHUNKER_TARGET_SIZE", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Chunker.TargetSize = v.(int) },
	},
	{
		env: "VELLUM_CHUNKER_OVERLAP", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
	},
	{
		env: "VELLUM_INGEST_WORKERS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
	},
	{
		env: "VELLUM_INGEST_MAX_ATTEMPTS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
	},
	{
		env: "VELLUM_INGEST_STAGE_TIMEOUT", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Ingest.StageTimeout = Duration(v.(time.Duration)) },
	},
	{
		env: "VELLUM_INGEST_LEASE_TIMEOUT", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Ingest.LeaseTimeout = Duration(v.(time.Duration)) },
	},
	{
		env: "VELLUM_INGEST_POLL_INTERVAL", typ: kDuration,
		apply: func(cfg *Config, v any) { cfg.Ingest.PollInterval = Duration(v.(time.Duration)) },
	},
	{
		env: "VELLUM_RETRIEVAL_TOP_K", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
	},
	{
		env: "VELLUM_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) error {
	for _, spec := range specs {
		raw, ok := os.LookupEnv(spec.env)
		if !ok || raw == "" {
			continue
		}
		switch spec.typ {
		case kString:
			spec.apply(cfg, raw)
		case kInt:
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: expected integer, got %q", spec.env, raw)
			}
			spec.apply(cfg, v)
		case kDuration:
			v, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("%s: expected duration (e.g. 90s), got %q", spec.env, raw)
			}
			spec.apply(cfg, v)
		}
	}
	return nil
}
