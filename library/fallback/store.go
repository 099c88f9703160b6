// Package fallback serves reads from a secondary store while the primary is
// unavailable. Writes always go to the primary.
package fallback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"lms/library"
)

const (
	DefaultMaxFails = 3
	DefaultCooldown = time.Minute
	DefaultTimeout  = 2 * time.Second
)

// breaker trips after maxFails consecutive failures and stays open for cooldown.
type breaker struct {
	maxFails uint64
	cooldown time.Duration
	now      func() time.Time

	mx    sync.RWMutex
	count uint64
	last  time.Time
}

func (b *breaker) Inc() {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.count++
	b.last = b.now()
}

// Open reports whether calls should skip the primary.
func (b *breaker) Open() bool {
	b.mx.RLock()
	defer b.mx.RUnlock()

	return b.count >= b.maxFails && b.now().Before(b.last.Add(b.cooldown))
}

func (b *breaker) Release() {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.count = 0
	b.last = time.Time{}
}

// Store wraps a primary store with a read-only secondary.
type Store struct {
	primary   library.Store
	secondary library.Store
	cb        *breaker
	timeout   time.Duration
	log       *zap.Logger
}

var _ library.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// WithBreaker sets how many failures open the breaker and for how long.
func WithBreaker(maxFails uint64, cooldown time.Duration) Option {
	return func(s *Store) { s.cb.maxFails, s.cb.cooldown = maxFails, cooldown }
}

// WithTimeout bounds a read against the secondary.
func WithTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.cb.now = now } }

func New(primary, secondary library.Store, opts ...Option) *Store {
	s := &Store{
		primary:   primary,
		secondary: secondary,
		cb:        &breaker{maxFails: DefaultMaxFails, cooldown: DefaultCooldown, now: time.Now},
		timeout:   DefaultTimeout,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update never falls back: a mutation applied to the secondary would be lost
// once the primary returns.
func (s *Store) Update(ctx context.Context, fn func(library.Tx) error) error {
	err := s.primary.Update(ctx, fn)
	s.record(err)
	return err
}

func (s *Store) View(ctx context.Context, fn func(library.Tx) error) error {
	if s.cb.Open() {
		return s.viewSecondary(ctx, fn)
	}

	err := s.primary.View(ctx, fn)
	s.record(err)
	if err == nil || !errors.Is(err, library.ErrStoreUnavailable) || errors.Is(ctx.Err(), context.Canceled) {
		return err
	}

	s.log.Warn("primary store unavailable, reading from fallback", zap.Error(err))
	return s.viewSecondary(ctx, fn)
}

func (s *Store) viewSecondary(ctx context.Context, fn func(library.Tx) error) error {
	// The primary may have used up the caller's deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.secondary.View(ctx, fn)
}

func (s *Store) record(err error) {
	switch {
	case err == nil:
		s.cb.Release()
	case errors.Is(err, library.ErrStoreUnavailable):
		s.cb.Inc()
	}
}

func (s *Store) Close() error {
	return errors.Join(s.primary.Close(), s.secondary.Close())
}
