package power

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/config"
)

// Config holds wake sequence tuning. The health poll is bounded: attempts
// at a fixed interval, each independently timed out.
type Config struct {
	AgentPort      int
	HealthInterval time.Duration
	HealthAttempts int
	HealthTimeout  time.Duration
}

// DefaultConfig returns default wake sequence configuration.
func DefaultConfig() Config {
	return Config{
		AgentPort:      5000,
		HealthInterval: 2 * time.Second,
		HealthAttempts: 150,
		HealthTimeout:  5 * time.Second,
	}
}

// LaunchResult is the companion agent's answer to a launch request.
type LaunchResult struct {
	SteamURL string `json:"steam_url"`
}

// Notifier receives progress lines during the sequence.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Sequencer runs wake → health poll → launch. One sequence at a time; a
// request while one is running is a no-op.
type Sequencer struct {
	config   Config
	store    *config.Store
	notifier Notifier
	client   *resty.Client
	logger   *zap.Logger

	// wake is swappable for tests; sending a real broadcast frame from a
	// test run is pointless.
	wake func(mac string) error

	mu      sync.Mutex
	running bool
}

// NewSequencer creates a wake sequencer.
func NewSequencer(cfg Config, store *config.Store, notifier Notifier, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		config:   cfg,
		store:    store,
		notifier: notifier,
		client:   resty.New().SetTimeout(cfg.HealthTimeout),
		logger:   logger,
		wake:     Wake,
	}
}

// WakeSequence wakes the PC, polls its companion agent until healthy, and
// launches the game client pointed at the paired server.
func (s *Sequencer) WakeSequence(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("wake sequence already running, skipping")
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	doc := s.store.Snapshot()
	if doc.PC == nil || doc.PC.MACAddress == "" {
		return fmt.Errorf("power: no PC configured")
	}
	if !doc.Server.Valid() {
		return fmt.Errorf("power: no paired server to launch at")
	}

	s.logger.Info("waking PC", zap.String("mac", doc.PC.MACAddress))
	if err := s.wake(doc.PC.MACAddress); err != nil {
		return fmt.Errorf("power: wake: %w", err)
	}
	s.say(ctx, "Waking up the gaming PC...")

	if err := s.awaitHealthy(ctx, doc.PC.IP); err != nil {
		s.say(ctx, "PC did not come up in time.")
		return err
	}

	result, err := s.launch(ctx, doc.PC.IP, doc.Server)
	if err != nil {
		s.say(ctx, "PC is up but the game launch failed.")
		return err
	}

	s.logger.Info("game launched",
		zap.String("server", doc.Server.Address),
		zap.String("steam_url", result.SteamURL))
	s.say(ctx, fmt.Sprintf("Game launching, connecting to %s.", doc.Server.Name))
	return nil
}

// awaitHealthy polls the agent's health endpoint until it answers or the
// attempt budget runs out.
func (s *Sequencer) awaitHealthy(ctx context.Context, ip string) error {
	url := fmt.Sprintf("http://%s:%d/health", ip, s.config.AgentPort)
	for attempt := 1; attempt <= s.config.HealthAttempts; attempt++ {
		if s.healthCheck(ctx, url) {
			s.logger.Info("PC healthy", zap.Int("attempt", attempt))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.HealthInterval):
		}
	}
	return fmt.Errorf("power: PC not healthy after %d attempts", s.config.HealthAttempts)
}

// healthCheck runs one independently timed-out probe.
func (s *Sequencer) healthCheck(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.config.HealthTimeout)
	defer cancel()
	resp, err := s.client.R().SetContext(probeCtx).Get(url)
	return err == nil && resp.IsSuccess()
}

// launch asks the agent to start the game client pointed at the server.
func (s *Sequencer) launch(ctx context.Context, ip string, server *config.ServerCredentials) (*LaunchResult, error) {
	url := fmt.Sprintf("http://%s:%d/launch", ip, s.config.AgentPort)
	var result LaunchResult
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"server_address": server.Address,
			"server_port":    server.Port,
		}).
		SetResult(&result).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("power: launch request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("power: launch rejected: %s", resp.Status())
	}
	return &result, nil
}

func (s *Sequencer) say(ctx context.Context, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, message); err != nil {
		s.logger.Debug("progress notification failed", zap.Error(err))
	}
}
