package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar points at an explicit YAML config file.
const ConfigPathEnvVar = "SNAPISH_CONFIG"

var DefaultConfigPaths = []string{
	"config.yaml",
	"/etc/snapish/config.yaml",
}

// Load reads configuration with precedence env > yaml file > defaults.
// A .env file in the working directory is applied to the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		cfg.Database.URL = postgresDSNFromEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields splits comma-separated env values for slice settings.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"host":         "server.host",
	"port":         "server.port",
	"public_url":   "server.public_url",
	"cors_origins": "server.cors_origins",
	"rate_limit":   "server.rate_limit",

	"db_driver":    "database.driver",
	"database_url": "database.url",
	"sqlite_path":  "database.path",

	"upload_dir": "storage.upload_dir",

	"image_max_side":   "image.max_side",
	"image_quality":    "image.quality",
	"max_upload_bytes": "image.max_upload_bytes",

	"detector_backend": "detector.backend",
	"inference_url":    "detector.url",
	"model_path":       "detector.model_path",
	"onnxruntime_lib":  "detector.library_path",
	"conf_score":       "detector.threshold",

	"assistant_provider":     "assistant.provider",
	"openai_api_key":         "assistant.openai_api_key",
	"openai_base_url":        "assistant.openai_base_url",
	"openai_assistant_key":   "assistant.assistant_id",
	"gemini_api_key":         "assistant.gemini_api_key",
	"gemini_model":           "assistant.gemini_model",
	"assistant_poll_timeout": "assistant.poll_timeout",

	"jwt_secret_key": "security.jwt_secret",
	"jwt_ttl":        "security.token_ttl",

	"telegram_enabled":   "telegram.enabled",
	"telegram_bot_token": "telegram.token",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps known environment variables onto config paths.
// Anything not in the table is ignored.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
