// Package session ends a console session the service no longer accepts.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultDelay is how long the user gets to read the error before being sent
// back to the login page.
const DefaultDelay = 3 * time.Second

// CredentialClearer wipes the stored access key, secret key and session
// token.
type CredentialClearer interface {
	Clear() error
}

type Option func(*Invalidator)

func WithDelay(d time.Duration) Option {
	return func(i *Invalidator) {
		i.delay = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Invalidator) {
		i.logger = logger
	}
}

// Invalidator clears credentials immediately and navigates to the login
// entry point after a delay. Calls arriving while a navigation is pending
// share it.
type Invalidator struct {
	creds    CredentialClearer
	navigate func()
	delay    time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending chan struct{}
}

// NewInvalidator creates an Invalidator. navigate is run once per
// invalidation, on its own goroutine, after the delay.
func NewInvalidator(creds CredentialClearer, navigate func(), opts ...Option) *Invalidator {
	i := &Invalidator{
		creds:    creds,
		navigate: navigate,
		delay:    DefaultDelay,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invalidate wipes the credentials and schedules navigation. The returned
// channel is closed once navigation has run or Stop cancelled it.
func (i *Invalidator) Invalidate() <-chan struct{} {
	if err := i.creds.Clear(); err != nil {
		i.logger.Error("Failed to clear credentials", "err", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending != nil {
		return i.pending
	}

	done := make(chan struct{})
	i.pending = done
	i.logger.Warn("Session invalidated, returning to login", "delay", i.delay)

	i.timer = time.AfterFunc(i.delay, func() {
		i.mu.Lock()
		if i.pending != done {
			i.mu.Unlock()
			return
		}
		i.pending = nil
		i.timer = nil
		i.mu.Unlock()

		if i.navigate != nil {
			i.navigate()
		}
		close(done)
	})

	return done
}

// Pending reports whether a navigation is scheduled.
func (i *Invalidator) Pending() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pending != nil
}

// Wait blocks until a scheduled navigation has run or been cancelled. It
// returns at once when none is pending.
func (i *Invalidator) Wait() {
	i.mu.Lock()
	pending := i.pending
	i.mu.Unlock()

	if pending != nil {
		<-pending
	}
}

// Stop cancels a scheduled navigation. Credentials stay cleared.
func (i *Invalidator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.pending == nil {
		return
	}
	if i.timer != nil {
		i.timer.Stop()
	}
	close(i.pending)
	i.pending = nil
	i.timer = nil
}
