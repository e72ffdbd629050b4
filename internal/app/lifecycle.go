// Package app owns the process-wide init/shutdown ordering for the agent's
// subsystems: caches, token file, token manager, syncer, workers, and the
// socket server, registered in dependency order and torn down in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/log"
	"github.com/rs/zerolog"
)

// Handle is anything the lifecycle manager can shut down. The socket and
// metrics servers implement it directly; cache actors, the syncer and the
// background workers are registered through adapters such as HandleFunc.
type Handle interface {
	Shutdown(ctx context.Context) error
}

// HandleFunc adapts a plain func to a Handle.
type HandleFunc func(ctx context.Context) error

func (f HandleFunc) Shutdown(ctx context.Context) error { return f(ctx) }

type registration struct {
	name   string
	handle Handle
}

// Lifecycle tracks registered subsystem handles in registration order and
// tears them down in reverse, bounded by a hard deadline.
type Lifecycle struct {
	mu      sync.Mutex
	names   map[string]bool
	handles []registration
	logger  zerolog.Logger
}

// NewLifecycle constructs an empty Lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		names:  map[string]bool{},
		logger: log.WithComponent("lifecycle"),
	}
}

// Register adds handle under name, in dependency order. Registering the
// same name twice is a fatal wiring bug caught at startup.
func (l *Lifecycle) Register(name string, handle Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.names[name] {
		return &errs.ShutdownMngrDuplicateArg{Name: name}
	}
	l.names[name] = true
	l.handles = append(l.handles, registration{name: name, handle: handle})
	return nil
}

// Shutdown tears down every registered handle in reverse registration
// order, within maxDelay. If maxDelay elapses before every handle has
// finished, it returns a deadline-exceeded error without waiting further;
// the caller (cmd/agent) is expected to treat that as fatal and exit.
func (l *Lifecycle) Shutdown(maxDelay time.Duration) error {
	l.mu.Lock()
	handles := make([]registration, len(l.handles))
	copy(handles, l.handles)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), maxDelay)
	defer cancel()

	done := make(chan []error, 1)
	go func() {
		var errsList []error
		for i := len(handles) - 1; i >= 0; i-- {
			reg := handles[i]
			l.logger.Info().Str("handle", reg.name).Msg("shutting down")
			if err := reg.handle.Shutdown(ctx); err != nil {
				errsList = append(errsList, fmt.Errorf("%s: %w", reg.name, err))
			}
		}
		done <- errsList
	}()

	select {
	case errsList := <-done:
		if len(errsList) > 0 {
			return errors.Join(errsList...)
		}
		l.logger.Info().Msg("shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown exceeded max_shutdown_delay of %s: %w", maxDelay, ctx.Err())
	}
}
