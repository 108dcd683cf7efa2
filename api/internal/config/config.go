package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Storage   StorageConfig   `koanf:"storage"`
	Image     ImageConfig     `koanf:"image"`
	Detector  DetectorConfig  `koanf:"detector"`
	Assistant AssistantConfig `koanf:"assistant"`
	Security  SecurityConfig  `koanf:"security"`
	Telegram  TelegramConfig  `koanf:"telegram"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            string        `koanf:"port"`
	PublicURL       string        `koanf:"public_url"` // prefix for imageUrl in responses; empty means relative
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimit       int           `koanf:"rate_limit"` // predict requests per window per IP, 0 disables
	RateWindow      time.Duration `koanf:"rate_window"`
}

type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres | sqlite
	URL             string        `koanf:"url"`
	Path            string        `koanf:"path"` // sqlite file
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type StorageConfig struct {
	UploadDir string `koanf:"upload_dir"`
}

type ImageConfig struct {
	MaxSide        int   `koanf:"max_side"`
	Quality        int   `koanf:"quality"`
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`
}

type DetectorConfig struct {
	Backend        string        `koanf:"backend"` // remote | onnx
	URL            string        `koanf:"url"`
	Timeout        time.Duration `koanf:"timeout"`
	ModelPath      string        `koanf:"model_path"`
	LibraryPath    string        `koanf:"library_path"`
	InputSize      int           `koanf:"input_size"`
	InputName      string        `koanf:"input_name"`
	OutputName     string        `koanf:"output_name"`
	NumClasses     int           `koanf:"num_classes"`
	Threshold      float64       `koanf:"threshold"`
	CandidateFloor float64       `koanf:"candidate_floor"`
	IoU            float64       `koanf:"iou"`
}

type AssistantConfig struct {
	Provider      string        `koanf:"provider"` // openai | gemini | none
	OpenAIAPIKey  string        `koanf:"openai_api_key"`
	OpenAIBaseURL string        `koanf:"openai_base_url"`
	AssistantID   string        `koanf:"assistant_id"`
	GeminiAPIKey  string        `koanf:"gemini_api_key"`
	GeminiModel   string        `koanf:"gemini_model"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	PollTimeout   time.Duration `koanf:"poll_timeout"`
	LaunchTimeout time.Duration `koanf:"launch_timeout"`
	LaunchWait    time.Duration `koanf:"launch_wait"` // how long predict waits for the handle
}

type SecurityConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

type TelegramConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimit:       30,
			RateWindow:      time.Minute,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Path:            "snapish.db",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Storage: StorageConfig{UploadDir: "uploads"},
		Image: ImageConfig{
			MaxSide:        1024,
			Quality:        85,
			MaxUploadBytes: 16 << 20,
		},
		Detector: DetectorConfig{
			Backend:        "remote",
			URL:            "http://localhost:9000",
			Timeout:        30 * time.Second,
			InputSize:      640,
			InputName:      "images",
			OutputName:     "output0",
			NumClasses:     17,
			Threshold:      0.5,
			CandidateFloor: 0.25,
			IoU:            0.45,
		},
		Assistant: AssistantConfig{
			Provider:      "openai",
			OpenAIBaseURL: "https://api.openai.com/v1",
			GeminiModel:   "gemini-2.5-flash",
			PollInterval:  500 * time.Millisecond,
			PollTimeout:   30 * time.Second,
			LaunchTimeout: 20 * time.Second,
			LaunchWait:    5 * time.Second,
		},
		Security: SecurityConfig{TokenTTL: 24 * time.Hour},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is empty: set DATABASE_URL or POSTGRES_* env vars"))
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want postgres or sqlite", c.Database.Driver))
	}

	switch c.Detector.Backend {
	case "remote":
		if c.Detector.URL == "" {
			errs = append(errs, errors.New("detector.url is required for the remote backend"))
		}
	case "onnx":
		if c.Detector.ModelPath == "" {
			errs = append(errs, errors.New("detector.model_path is required for the onnx backend"))
		}
		if c.Detector.InputSize <= 0 || c.Detector.NumClasses <= 0 {
			errs = append(errs, errors.New("detector.input_size and detector.num_classes must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("detector.backend %q: want remote or onnx", c.Detector.Backend))
	}
	if c.Detector.Threshold < 0 || c.Detector.Threshold > 1 {
		errs = append(errs, fmt.Errorf("detector.threshold %v outside [0,1]", c.Detector.Threshold))
	}

	switch c.Assistant.Provider {
	case "openai":
		if c.Assistant.OpenAIAPIKey == "" || c.Assistant.AssistantID == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY and OPENAI_ASSISTANT_KEY are required for the openai assistant"))
		}
	case "gemini":
		if c.Assistant.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini assistant"))
		}
	case "none", "":
	default:
		errs = append(errs, fmt.Errorf("assistant.provider %q: want openai, gemini or none", c.Assistant.Provider))
	}
	if c.Assistant.PollInterval <= 0 || c.Assistant.PollTimeout <= 0 {
		errs = append(errs, errors.New("assistant poll interval and timeout must be positive"))
	}

	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		errs = append(errs, errors.New("security.jwt_secret is required (JWT_SECRET_KEY)"))
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required when telegram is enabled"))
	}
	if c.Image.MaxSide <= 0 || c.Image.Quality < 1 || c.Image.Quality > 100 {
		errs = append(errs, errors.New("image.max_side must be positive and image.quality within 1..100"))
	}

	return errors.Join(errs...)
}

// postgresDSNFromEnv builds a DSN out of POSTGRES_* / PG* variables for the
// single-container setup where DATABASE_URL is not provided.
func postgresDSNFromEnv() string {
	pass := os.Getenv("POSTGRES_PASSWORD")
	if pass == "" && os.Getenv("POSTGRES_USER") == "" {
		return ""
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getenvDefault("POSTGRES_USER", "snapish"), pass),
		Host:     net.JoinHostPort(getenvDefault("PGHOST", "db"), getenvDefault("PGPORT", "5432")),
		Path:     "/" + getenvDefault("POSTGRES_DB", "snapish"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// SafeDSNSummary renders a DSN without its password for logs.
func SafeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "dsn: " + strings.SplitN(dsn, "?", 2)[0]
	}
	host, port := u.Host, ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	if port == "" {
		return fmt.Sprintf("host=%s db=%s user=%s", host, db, u.User.Username())
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, db, u.User.Username())
}
