// Package supervisor wraps the companion client with automatic,
// differentiated-backoff reconnection and a periodic liveness probe. It is
// the sole owner of the connection state; the client itself only reports
// raw transport events.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/companion"
	"github.com/riftwake/bridge/internal/config"
)

// State is the supervisor's view of the session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ErrorBackoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ErrorBackoff:
		return "error_backoff"
	default:
		return "unknown"
	}
}

// Config holds the retry policy. Retries continue indefinitely while
// credentials are present; the remote server's uptime is not ours to cap.
type Config struct {
	ReconnectDelay   time.Duration // after a clean disconnect
	ErrorDelay       time.Duration // after any other error
	UnreachableDelay time.Duration // after transport-unreachable errors
	ProbeInterval    time.Duration // liveness probe period
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:   5 * time.Second,
		ErrorDelay:       10 * time.Second,
		UnreachableDelay: 30 * time.Second,
		ProbeInterval:    60 * time.Second,
	}
}

// Session is the slice of the companion client the supervisor drives.
type Session interface {
	Connect(ctx context.Context, creds config.ServerCredentials, knownEntities []string) error
	Disconnect()
	IsConnected() bool
	QueryTime(ctx context.Context) error
}

// CredentialSource yields the current server credentials and the entity ids
// to subscribe on connect. Implemented by the config store adapter.
type CredentialSource interface {
	ServerCredentials() (config.ServerCredentials, bool)
	KnownEntityIDs() []string
}

// Supervisor drives the connection state machine:
// Disconnected → Connecting → Connected, back to Disconnected on a clean
// drop, or through ErrorBackoff on an error.
type Supervisor struct {
	config Config
	client Session
	creds  CredentialSource
	clock  Clock
	logger *zap.Logger

	mu    sync.Mutex
	state State

	schedule chan time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a supervisor. Start must be called to begin supervision.
func New(cfg Config, client Session, creds CredentialSource, clock Clock, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		config:   cfg,
		client:   client,
		creds:    creds,
		clock:    clock,
		logger:   logger,
		state:    Disconnected,
		schedule: make(chan time.Duration, 8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	if s.state != st {
		s.logger.Debug("connection state",
			zap.String("from", s.state.String()),
			zap.String("to", st.String()))
	}
	s.state = st
	s.mu.Unlock()
}

// Start launches the supervision loop.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop ends supervision and tears down any live session.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.client.Disconnect()
}

// TriggerConnect requests an immediate connection attempt (startup, new
// pairing, user action). Collapses into the in-flight guard if one is
// already underway.
func (s *Supervisor) TriggerConnect() {
	s.scheduleIn(0)
}

// ScheduleReconnect requests a connection attempt after the given delay.
// Only one reconnect is ever scheduled; a new request replaces the pending
// one.
func (s *Supervisor) ScheduleReconnect(d time.Duration) {
	s.scheduleIn(d)
}

// OnDisconnected handles a clean session drop: one reconnect after the
// fixed delay.
func (s *Supervisor) OnDisconnected() {
	s.setState(Disconnected)
	s.scheduleIn(s.config.ReconnectDelay)
}

// OnError handles an abnormal session failure, choosing the backoff by
// cause: unreachable servers get the long delay so a dead host is not
// hammered, everything else the medium one.
func (s *Supervisor) OnError(err error) {
	s.setState(ErrorBackoff)
	s.scheduleIn(s.classify(err))
}

func (s *Supervisor) classify(err error) time.Duration {
	var connErr *companion.ConnectionError
	if errors.As(err, &connErr) {
		switch connErr.Kind {
		case companion.ConnTransport, companion.ConnTimeout:
			return s.config.UnreachableDelay
		}
	}
	return s.config.ErrorDelay
}

func (s *Supervisor) scheduleIn(d time.Duration) {
	select {
	case s.schedule <- d:
	case <-s.stop:
	}
}

// run owns the single reconnect timer and the liveness ticker.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	probe := s.clock.NewTicker(s.config.ProbeInterval)
	defer probe.Stop()

	var timer Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return

		case d := <-s.schedule:
			if timer == nil {
				timer = s.clock.NewTimer(d)
				timerC = timer.C()
			} else {
				timer.Reset(d)
			}

		case <-timerC:
			s.attempt(ctx)

		case <-probe.C():
			s.probe(ctx)
		}
	}
}

// attempt runs one connection attempt. Failure is terminal only for this
// attempt: it always reschedules.
func (s *Supervisor) attempt(ctx context.Context) {
	creds, ok := s.creds.ServerCredentials()
	if !ok {
		// Credentials cleared: abandon until a pairing brings new ones.
		s.setState(Disconnected)
		s.logger.Debug("no server credentials, reconnect abandoned")
		return
	}
	if s.client.IsConnected() {
		s.setState(Connected)
		return
	}

	s.setState(Connecting)
	err := s.client.Connect(ctx, creds, s.creds.KnownEntityIDs())
	if err != nil {
		delay := s.classify(err)
		s.setState(ErrorBackoff)
		s.logger.Warn("connect attempt failed",
			zap.Error(err),
			zap.Duration("retry_in", delay))
		s.scheduleIn(delay)
		return
	}
	s.setState(Connected)
}

// probe runs the periodic liveness check: reconnect when down with
// credentials present, or a cheap time query to detect a silently dead
// channel when up.
func (s *Supervisor) probe(ctx context.Context) {
	if !s.client.IsConnected() {
		if _, ok := s.creds.ServerCredentials(); ok {
			s.attempt(ctx)
		}
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.client.QueryTime(probeCtx); err != nil {
		// Best-effort: the read loop notices a truly dead channel and the
		// normal error path takes over.
		s.logger.Debug("liveness probe failed", zap.Error(err))
	}
}
