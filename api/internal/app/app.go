// Package app builds the process-wide components from configuration and hands
// out the supervised front-ends.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"snapish/api/internal/assistant"
	"snapish/api/internal/assistant/gemini"
	"snapish/api/internal/assistant/openai"
	"snapish/api/internal/auth"
	"snapish/api/internal/catch"
	"snapish/api/internal/config"
	"snapish/api/internal/detect"
	"snapish/api/internal/detect/onnx"
	"snapish/api/internal/detect/remote"
	"snapish/api/internal/filestore"
	"snapish/api/internal/handle"
	"snapish/api/internal/httpserver"
	"snapish/api/internal/imaging"
	"snapish/api/internal/logging"
	"snapish/api/internal/metrics"
	"snapish/api/internal/pipeline"
	"snapish/api/internal/store"
	"snapish/api/internal/supervisor"
	"snapish/api/internal/telegram"
)

type App struct {
	Config    *config.Config
	DB        *sql.DB
	Catches   *store.CatchRepo
	Files     *filestore.Disk
	Detector  *detect.Detector
	Assistant *assistant.Client // nil when assistant.provider is none
	Pipeline  *pipeline.Service
	JWT       *auth.JWTManager

	closers []func() error
}

// LoggingConfig maps the koanf logging section onto the logger.
func LoggingConfig(c config.LoggingConfig) logging.Config {
	return logging.Config{
		Level:     c.Level,
		Format:    c.Format,
		Caller:    c.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	}
}

// Build opens the database, runs migrations and wires the detection pipeline.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	dialect, err := store.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.Database.URL
	if dialect == store.SQLite {
		dsn = cfg.Database.Path
	}
	a.DB, err = store.Open(ctx, dialect, dsn, store.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	a.closers = append(a.closers, a.DB.Close)
	if err := store.Migrate(ctx, a.DB, dialect); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Catches = store.NewCatchRepo(a.DB, dialect)

	a.Files, err = filestore.NewDisk(cfg.Storage.UploadDir)
	if err != nil {
		return nil, err
	}

	model, err := a.newModel(cfg.Detector)
	if err != nil {
		return nil, err
	}
	a.Detector = detect.New(model, cfg.Detector.Threshold)

	a.Assistant, err = a.newAssistant(ctx, cfg.Assistant)
	if err != nil {
		return nil, err
	}
	var launcher pipeline.Launcher
	if a.Assistant != nil {
		launcher = a.Assistant
	}

	a.Pipeline = pipeline.New(
		imaging.NewNormalizer(cfg.Image.MaxSide, cfg.Image.Quality),
		a.Detector,
		catch.NewResolver(a.Catches, a.Files),
		launcher,
		pipeline.Options{LaunchTimeout: cfg.Assistant.LaunchTimeout, LaunchWait: cfg.Assistant.LaunchWait},
	)

	a.JWT, err = auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	if err != nil {
		return nil, err
	}

	logging.Info().
		Str("database", dialect.String()).
		Str("detector", model.Name()).
		Str("assistant", a.assistantName()).
		Msg("components ready")
	return a, nil
}

func (a *App) newModel(cfg config.DetectorConfig) (detect.Model, error) {
	if cfg.Backend == "onnx" {
		m, err := onnx.New(onnx.Config{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.LibraryPath,
			InputSize:   cfg.InputSize,
			InputName:   cfg.InputName,
			OutputName:  cfg.OutputName,
			NumClasses:  cfg.NumClasses,
			Floor:       cfg.CandidateFloor,
			IoU:         cfg.IoU,
		})
		if err != nil {
			return nil, fmt.Errorf("onnx model: %w", err)
		}
		a.closers = append(a.closers, m.Close)
		return m, nil
	}
	return remote.New(cfg.URL, cfg.Timeout), nil
}

func (a *App) newAssistant(ctx context.Context, cfg config.AssistantConfig) (*assistant.Client, error) {
	switch cfg.Provider {
	case "openai":
		p := openai.New(cfg.OpenAIAPIKey, cfg.AssistantID, cfg.OpenAIBaseURL)
		return assistant.New(p, cfg.PollInterval, cfg.PollTimeout), nil
	case "gemini":
		p, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("gemini assistant: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		return assistant.New(p, cfg.PollInterval, cfg.PollTimeout), nil
	}
	return nil, nil
}

func (a *App) assistantName() string {
	if a.Assistant == nil {
		return "none"
	}
	return a.Assistant.Provider()
}

func (a *App) checks() []handle.Check {
	return []handle.Check{
		{Name: "database", Fn: a.Catches.Ping},
		{Name: "detector", Fn: a.Detector.Health},
	}
}

// Router is the public HTTP API.
func (a *App) Router() http.Handler {
	deps := handle.Deps{
		Pipeline:       a.Pipeline,
		Catches:        a.Catches,
		Checks:         a.checks(),
		PublicURL:      a.Config.Server.PublicURL,
		MaxUploadBytes: a.Config.Image.MaxUploadBytes,
	}
	if a.Assistant != nil {
		deps.Assistant = a.Assistant
	}
	return httpserver.NewRouter(handle.New(deps), a.JWT, a.Files.Handler(), httpserver.Options{
		CORSOrigins: a.Config.Server.CORSOrigins,
		RateLimit:   a.Config.Server.RateLimit,
		RateWindow:  a.Config.Server.RateWindow,
	})
}

// OpsRouter serves only /healthz and /metrics, for the bot-only process.
func (a *App) OpsRouter() http.Handler {
	h := handle.New(handle.Deps{Checks: a.checks()})
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (a *App) HTTPService(h http.Handler) *supervisor.HTTPService {
	srv := &http.Server{
		Addr:         a.Config.Addr(),
		Handler:      h,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
	return supervisor.NewHTTPService(srv, a.Config.Server.ShutdownTimeout)
}

// TelegramService connects to the Bot API and returns the polling service.
func (a *App) TelegramService() (*telegram.Service, error) {
	if a.Config.Telegram.Token == "" {
		return nil, errors.New("telegram.token is required (TELEGRAM_BOT_TOKEN)")
	}
	bot, err := tgbotapi.NewBotAPI(a.Config.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logging.Info().Str("bot", bot.Self.UserName).Msg("telegram bot authorized")

	router := &telegram.Router{Bot: bot, Pipeline: a.Pipeline}
	if a.Assistant != nil {
		router.Assistant = a.Assistant
	}
	return telegram.NewService(bot, router, 0), nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
