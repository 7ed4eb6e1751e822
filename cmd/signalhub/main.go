package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"signalhub/internal/broadcast"
	"signalhub/internal/ingest"
	"signalhub/internal/projection"
	"signalhub/internal/rules"
	"signalhub/internal/signal"
	"signalhub/internal/store"
	"signalhub/internal/web"
	"signalhub/internal/webhook"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	MQTT struct {
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Webhook struct {
		URL     string `yaml:"url"`
		TestURL string `yaml:"test_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"webhook"`
	Rules struct {
		RefreshInterval string `yaml:"refresh_interval"`
	} `yaml:"rules"`
	DevicesFile string `yaml:"devices_file"`
	Workers     struct {
		Count     int `yaml:"count"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"workers"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must not be negative")
	}
	if c.Webhook.Timeout != "" {
		if _, err := time.ParseDuration(c.Webhook.Timeout); err != nil {
			return fmt.Errorf("webhook.timeout: %w", err)
		}
	}
	if _, err := time.ParseDuration(c.Rules.RefreshInterval); err != nil {
		return fmt.Errorf("rules.refresh_interval: %w", err)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("signalhub starting", "version", version)

	// Static device kind assignments; missing file just means inference only.
	kinds := signal.NewKindTable()
	entries, err := signal.LoadKindFile(cfg.DevicesFile)
	if err != nil {
		logger.Error("load device kinds", "err", err, "path", cfg.DevicesFile)
		os.Exit(1)
	}
	kinds.Replace(entries)
	logger.Info("device kinds loaded", "count", kinds.Len())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	refresh, _ := time.ParseDuration(cfg.Rules.RefreshInterval)
	engine := rules.NewEngine(db, refresh, logger)
	if err := engine.Start(); err != nil {
		logger.Error("start rule engine", "err", err)
		os.Exit(1)
	}

	bus := broadcast.New(logger)
	pool := ingest.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize, logger)

	webhookTimeout := time.Duration(0)
	if cfg.Webhook.Timeout != "" {
		webhookTimeout, _ = time.ParseDuration(cfg.Webhook.Timeout)
	}
	hooks := webhook.New(webhook.Config{
		URL:     cfg.Webhook.URL,
		TestURL: cfg.Webhook.TestURL,
		Timeout: webhookTimeout,
	}, logger)

	worker := ingest.NewWorker(ingest.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, ingest.Deps{
		Mapper:     signal.NewMapper(kinds, cfg.MQTT.TopicPrefix),
		Projection: projection.NewService(db, logger),
		Repo:       db,
		Engine:     engine,
		Bus:        bus,
		Hooks:      hooks,
		Pool:       pool,
	}, logger)

	if err := worker.Start(); err != nil {
		logger.Error("start ingest worker", "err", err)
		os.Exit(1)
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(db, engine, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	ossignal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	worker.Stop()
	engine.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	pool.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "signalhub.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "devices"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "signalhub"
	}
	if cfg.DevicesFile == "" {
		cfg.DevicesFile = "devices.yaml"
	}
	if cfg.Rules.RefreshInterval == "" {
		cfg.Rules.RefreshInterval = "1m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
