package app

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/agent/internal/log"
	"github.com/rs/zerolog"
)

// SupervisorSettings governs whether the agent runs forever or exits on its
// own once idle or once it has run too long.
type SupervisorSettings struct {
	IsPersistent            bool
	IdleTimeout             time.Duration
	IdleTimeoutPollInterval time.Duration
	MaxRuntime              time.Duration
}

// Supervisor watches for idle timeout and max runtime when the agent is
// configured non-persistent, signalling ShutdownRequested when either
// fires. A persistent agent never signals on its own.
type Supervisor struct {
	settings  SupervisorSettings
	startedAt time.Time

	lastActivity atomic.Int64 // unix nanos

	ShutdownRequested chan string // reason

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewSupervisor constructs a Supervisor. Call Start to begin watching.
func NewSupervisor(settings SupervisorSettings) *Supervisor {
	s := &Supervisor{
		settings:          settings,
		startedAt:         time.Now(),
		ShutdownRequested: make(chan string, 1),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		logger:            log.WithComponent("supervisor"),
	}
	s.lastActivity.Store(s.startedAt.UnixNano())
	return s
}

// Touch records activity, resetting the idle timer. Only explicit calls to
// Touch reset it; sync passes and socket requests do not call it.
func (s *Supervisor) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Start begins the watch loop in a new goroutine. A no-op if the agent is
// persistent.
func (s *Supervisor) Start() {
	if s.settings.IsPersistent {
		close(s.doneCh)
		return
	}
	go s.run()
}

// Stop ends the watch loop.
func (s *Supervisor) Stop() {
	select {
	case <-s.doneCh:
		return
	default:
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run() {
	defer close(s.doneCh)

	interval := s.settings.IdleTimeoutPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if reason, exceeded := s.checkLimits(); exceeded {
				s.logger.Info().Str("reason", reason).Msg("non-persistent agent shutting down")
				select {
				case s.ShutdownRequested <- reason:
				default:
				}
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) checkLimits() (reason string, exceeded bool) {
	now := time.Now()
	if s.settings.MaxRuntime > 0 && now.Sub(s.startedAt) >= s.settings.MaxRuntime {
		return "max_runtime exceeded", true
	}
	if s.settings.IdleTimeout > 0 {
		last := time.Unix(0, s.lastActivity.Load())
		if now.Sub(last) >= s.settings.IdleTimeout {
			return "idle_timeout exceeded", true
		}
	}
	return "", false
}
