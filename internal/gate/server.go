package gate

import (
	"context"
	"crypto/rand"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/bardlex/powgate/internal/metrics"
	"github.com/bardlex/powgate/internal/puzzle"
	"github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
)

// acceptBackoff is the pause after a failed Accept
const acceptBackoff = 50 * time.Millisecond

// Config holds listener settings
type Config struct {
	Addr           string
	Difficulty     uint8
	MaxConnections int
	ConnTimeout    time.Duration
	// RecordTimeout bounds the recorder calls made after each session
	RecordTimeout time.Duration
}

// DefaultConfig returns the listener defaults
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:4444",
		Difficulty:     puzzle.DefaultDifficulty,
		MaxConnections: 1024,
		ConnTimeout:    30 * time.Second,
		RecordTimeout:  5 * time.Second,
	}
}

// Option customizes a Server
type Option func(*Server)

// WithRand replaces crypto/rand.Reader. r must be safe for concurrent use.
func WithRand(r io.Reader) Option {
	return func(s *Server) {
		s.rng = r
	}
}

// WithRecorders adds sinks that receive every finished attempt
func WithRecorders(recorders ...Recorder) Option {
	return func(s *Server) {
		s.recorders = append(s.recorders, recorders...)
	}
}

// Server accepts connections and runs one Session per connection, each on its
// own goroutine. At most MaxConnections sessions run at once; further clients
// wait in the kernel backlog.
type Server struct {
	cfg       Config
	rewards   RewardPicker
	rng       io.Reader
	recorders []Recorder
	logger    *log.Logger

	listener  net.Listener
	ready     chan struct{}
	readyOnce sync.Once
	startErr  error
	loopDone  chan struct{}
	sessions map[string]net.Conn
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewServer validates cfg and builds a server. The reward pool must not be empty.
func NewServer(cfg Config, rewards RewardPicker, logger *log.Logger, opts ...Option) (*Server, error) {
	if rewards == nil || rewards.Len() == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "new_server", "reward pool is empty")
	}
	if cfg.Difficulty > puzzle.MaxDifficulty {
		return nil, errors.New(errors.ErrorTypeConfig, "new_server", "difficulty out of range").
			WithContext("difficulty", cfg.Difficulty).
			WithContext("max", puzzle.MaxDifficulty)
	}
	if cfg.MaxConnections <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "new_server", "max connections must be positive").
			WithContext("max_connections", cfg.MaxConnections)
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultConfig().RecordTimeout
	}

	s := &Server{
		cfg:      cfg,
		rewards:  rewards,
		rng:      rand.Reader,
		logger:   logger.WithComponent("server"),
		ready:    make(chan struct{}),
		sessions: make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start listens on the configured address and accepts connections until the
// listener is closed by Shutdown or ctx is done. Cancelling ctx also aborts
// running sessions; use Shutdown to let them finish.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeInternal, "start", "server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		err = errors.WrapIO(err, "listen", "failed to listen").WithContext("addr", s.cfg.Addr)
		s.startErr = err
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		return err
	}
	s.listener = netutil.LimitListener(ln, s.cfg.MaxConnections)
	s.loopDone = make(chan struct{})
	s.startErr = nil
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"difficulty", s.cfg.Difficulty,
		"max_connections", s.cfg.MaxConnections,
		"conn_timeout", s.cfg.ConnTimeout.String(),
	)

	stop := context.AfterFunc(ctx, s.closeListener)
	defer stop()
	defer close(s.loopDone)

	return s.acceptLoop(ctx)
}

// Ready is closed once Start is listening or has failed to listen. Check
// StartErr to tell the two apart.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// StartErr returns the listen error of the last Start, or nil
func (s *Server) StartErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of connections being served
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if stdErrors.Is(err, net.ErrClosed) {
				return nil
			}
			metrics.AcceptError()
			s.logger.WithError(err).Warn("failed to accept connection")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptBackoff):
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection runs one session. A panic is contained to this connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	ctx = log.ContextWithSessionID(ctx, id)
	s.track(id, conn)
	defer s.untrack(id)

	logger := s.logger.WithSession(id)
	session := NewSession(id, conn, s.rewards, s.rng, SessionConfig{
		Difficulty: s.cfg.Difficulty,
		Timeout:    s.cfg.ConnTimeout,
	}, logger)
	metrics.SessionStarted()

	defer func() {
		attempt := session.Attempt()
		if r := recover(); r != nil {
			attempt.Err = errors.New(errors.ErrorTypeInternal, "handle_connection", fmt.Sprintf("session panicked: %v", r))
			logger.Error("session panicked", "panic", r, "stack", string(debug.Stack()))
		}
		observe(attempt)
		s.record(ctx, attempt, logger)
	}()

	_ = session.Run(ctx)
}

// observe feeds a finished attempt into the Prometheus instruments
func observe(a *Attempt) {
	if a.Stage != StageChallenge {
		metrics.ChallengeIssued(a.Difficulty)
	}
	if a.Answered {
		metrics.VerdictSent(a.Verdict.String())
	}
	if a.Err != nil {
		metrics.SessionError(a.Stage)
	}
	metrics.SessionEnded(a.Outcome(), a.Duration)
}

// record hands the attempt to every recorder. Failures are logged and counted only.
func (s *Server) record(ctx context.Context, a *Attempt, logger *log.Logger) {
	if len(s.recorders) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RecordTimeout)
	defer cancel()

	for _, r := range s.recorders {
		if err := r.RecordAttempt(rctx, a); err != nil {
			metrics.RecorderError(r.Name())
			logger.WithError(err).Warn("failed to record attempt", "sink", r.Name())
		}
	}
}

func (s *Server) track(id string, conn net.Conn) {
	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) closeListener() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return
	}
	if err := ln.Close(); err != nil && !stdErrors.Is(err, net.ErrClosed) {
		s.logger.WithError(err).Warn("failed to close listener")
	}
}

// Shutdown stops accepting and waits for running sessions. When ctx expires
// first, the remaining connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.closeListener()

	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			s.closeSessions()
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded", "remaining", s.ActiveSessions())
		s.closeSessions()
		return ctx.Err()
	}
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.sessions {
		_ = conn.Close()
	}
}
