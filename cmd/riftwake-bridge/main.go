// Riftwake Bridge
// Wakes a gaming PC, launches the game at the paired server, and reacts to
// companion events with smart alarm rules.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/riftwake/bridge/internal/api"
	"github.com/riftwake/bridge/internal/bridge"
	"github.com/riftwake/bridge/internal/config"
)

// ServiceConfig is the startup configuration file. Runtime state (paired
// server, entities, rules) lives in the persisted document, not here.
type ServiceConfig struct {
	Listen string `yaml:"listen"`

	Paths struct {
		Config  string `yaml:"config"`
		History string `yaml:"history"`
	} `yaml:"paths"`

	Agent struct {
		Port int `yaml:"port"`
	} `yaml:"agent"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "riftwake-bridge",
		Short: "Riftwake Bridge",
		Long:  "Home-automation bridge: wakes a gaming PC, launches the game at the paired server, and runs smart alarm rules against companion events.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the bridge service",
		RunE:  runBridge,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Riftwake Bridge v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/riftwake/bridge.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := &ServiceConfig{}
	cfg.Listen = ":8085"
	cfg.Paths.Config = "/var/lib/riftwake/config.json"
	cfg.Paths.History = "/var/lib/riftwake/history.db"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if format == "json" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	store := config.OpenStore(cfg.Paths.Config, logger.Named("config"))

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.HistoryPath = cfg.Paths.History
	if cfg.Agent.Port > 0 {
		bridgeCfg.Power.AgentPort = cfg.Agent.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bridge.New(bridgeCfg, store, logger)
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.New(b, logger.Named("api")).Handler(),
	}
	go func() {
		logger.Info("control plane listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control plane failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control plane shutdown", zap.Error(err))
	}

	// Stop disconnects the push listener before anything else; the broker
	// always sees a clean detach before exit.
	b.Stop()
	cancel()
	return nil
}
