package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/application"
	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/logging"
)

var signalNotify = signal.Notify

func main() {
	kingpinApp := kingpin.New("bedrock-chat", "AI chat front-end for models hosted on AWS Bedrock")
	kingpinApp.Version(application.Version)
	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").String()
	loggingFile := kingpinApp.Flag("log-config", "Path to a standalone logging YAML file").String()
	envFile := kingpinApp.Flag("env-file", "Dotenv file loaded before configuration").Default(".env").String()
	port := kingpinApp.Flag("port", "HTTP port exposed by the service").String()
	environment := kingpinApp.Flag("environment", "Runtime environment (development, production)").String()
	storageType := kingpinApp.Flag("storage", "Session storage backend (session, memory, redis)").String()
	rateLimitRPSFlag := kingpinApp.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	rateLimitBurstFlag := kingpinApp.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	kingpin.MustParse(kingpinApp.Parse(os.Args[1:]))

	envErr := loadEnvFile(*envFile)

	overrides := &config.CLIOverrides{
		ConfigFile:        *configFile,
		LoggingConfigFile: *loggingFile,
	}

	if *port != "" {
		overrides.Port = port
	}

	if *environment != "" {
		overrides.Environment = environment
	}

	if *storageType != "" {
		overrides.StorageType = storageType
	}

	if *rateLimitRPSFlag >= 0 {
		overrides.RateLimitRPS = rateLimitRPSFlag
	}

	if *rateLimitBurstFlag >= 0 {
		overrides.RateLimitBurst = rateLimitBurstFlag
	}

	cfg, err := config.Instance(overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.Logging, cfg.Environment)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	if envErr != nil {
		logger.Warn("failed to load env file", zap.String("path", *envFile), zap.Error(envErr))
	}
	for _, w := range cfg.Warnings {
		logger.Warn("configuration warning", zap.String("detail", w))
	}
	logger.Info("configuration loaded",
		zap.String("config_file", cfg.ConfigFile),
		zap.String("environment", cfg.Environment),
		zap.String("storage", cfg.Storage.Type),
		zap.String("default_model", cfg.DefaultModel()),
	)

	app, err := application.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close session storage", zap.Error(err))
		}
	}()

	if err := app.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	shutdown(app.Server(), cfg.Server.ShutdownGracePeriod, logger)
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
