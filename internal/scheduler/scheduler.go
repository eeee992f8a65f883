// Package scheduler runs the background sync loop: draining the offline
// queue, refreshing cached data, and probing connectivity while offline.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rfarah/trim/internal/apperr"
	"github.com/rfarah/trim/internal/bus"
	"go.uber.org/zap"
)

// Pinger probes backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Syncer pulls fresh server data into the cache.
type Syncer interface {
	Refresh(ctx context.Context) error
}

// Drainer delivers queued offline writes.
type Drainer interface {
	Drain(ctx context.Context, nowMillis int64) (int, error)
}

// Config tunes the scheduler's cadence.
type Config struct {
	// Interval between passes while the app is visible.
	Interval time.Duration
	// HiddenInterval applies while the app is backgrounded.
	HiddenInterval time.Duration
	// ProbeInterval is the connectivity check cadence while offline.
	ProbeInterval time.Duration
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		HiddenInterval: 5 * time.Minute,
		ProbeInterval:  10 * time.Second,
	}
}

// Scheduler drives sync passes from a single goroutine. Passes never
// overlap: a kick or tick during a running pass is coalesced into the
// next one.
type Scheduler struct {
	pinger  Pinger
	syncer  Syncer
	drainer Drainer
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	online  atomic.Bool
	visible atomic.Bool
	inPass  atomic.Bool
	kicks   chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. It starts offline and visible; the first
// successful probe or pass flips it online.
func New(pinger Pinger, syncer Syncer, drainer Drainer, b *bus.Bus, cfg Config, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		pinger:  pinger,
		syncer:  syncer,
		drainer: drainer,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		kicks:   make(chan struct{}, 1),
	}
	s.visible.Store(true)
	return s
}

// Start launches the sync loop and requests an immediate first pass.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.Kick()
	go s.loop(ctx)
}

// Stop halts the loop and waits for any in-progress pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Kick requests a pass as soon as possible. Safe from any goroutine;
// multiple kicks coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.kicks <- struct{}{}:
	default:
	}
}

// Online reports the last known connectivity state.
func (s *Scheduler) Online() bool {
	return s.online.Load()
}

// SetOnline records a connectivity change from the platform. Coming back
// online triggers an immediate pass so queued writes flush right away.
func (s *Scheduler) SetOnline(online bool) {
	if s.online.Swap(online) == online {
		return
	}
	s.bus.Publish(bus.NetworkStatusChanged{Online: online})
	if online {
		s.logger.Info("network restored")
		s.Kick()
	} else {
		s.logger.Info("network lost")
	}
}

// SetVisible records app foreground state. Background mode stretches the
// sync interval; returning to the foreground syncs immediately.
func (s *Scheduler) SetVisible(visible bool) {
	if s.visible.Swap(visible) == visible {
		return
	}
	if visible {
		s.Kick()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kicks:
		case <-timer.C:
		}

		s.pass(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.interval())
	}
}

// interval picks the wait before the next pass based on connectivity and
// visibility.
func (s *Scheduler) interval() time.Duration {
	if !s.online.Load() {
		return s.cfg.ProbeInterval
	}
	if !s.visible.Load() {
		return s.cfg.HiddenInterval
	}
	return s.cfg.Interval
}

// pass runs one drain-then-refresh cycle. While offline it only probes;
// full passes resume once the probe succeeds.
func (s *Scheduler) pass(ctx context.Context) {
	if !s.inPass.CompareAndSwap(false, true) {
		return
	}
	defer s.inPass.Store(false)

	if !s.online.Load() {
		if err := s.pinger.Ping(ctx); err != nil {
			return
		}
		s.SetOnline(true)
	}

	now := time.Now().UnixMilli()
	if n, err := s.drainer.Drain(ctx, now); err != nil {
		if ctx.Err() == nil {
			s.logger.Error("queue drain failed", zap.Error(err))
		}
	} else if n > 0 {
		s.logger.Info("queue drained", zap.Int("delivered", n))
	}

	if err := s.syncer.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		var ae *apperr.Error
		if errors.As(err, &ae) && apperr.IsConnectivity(err) {
			s.SetOnline(false)
			return
		}
		s.logger.Error("refresh failed", zap.Error(err))
	}
}
