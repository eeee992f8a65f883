package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rfarah/trim/internal/apperr"
	"github.com/rfarah/trim/internal/bus"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu         sync.Mutex
	pingErr    error
	refreshErr error
	pings      int
	refreshes  int
	drains     int
}

func (f *fakeBackend) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeBackend) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeBackend) Drain(context.Context, int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return 0, nil
}

func (f *fakeBackend) counts() (pings, refreshes, drains int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings, f.refreshes, f.drains
}

func (f *fakeBackend) set(pingErr, refreshErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = pingErr
	f.refreshErr = refreshErr
}

func testScheduler(fb *fakeBackend, b *bus.Bus) *Scheduler {
	cfg := Config{
		Interval:       10 * time.Millisecond,
		HiddenInterval: time.Hour,
		ProbeInterval:  10 * time.Millisecond,
	}
	return New(fb, fb, fb, b, cfg, zap.NewNop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFirstPassProbesAndSyncs(t *testing.T) {
	fb := &fakeBackend{}
	s := testScheduler(fb, bus.New())

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool {
		_, refreshes, drains := fb.counts()
		return refreshes >= 1 && drains >= 1
	})
	if !s.Online() {
		t.Error("scheduler should be online after a successful probe")
	}
}

func TestOfflineOnlyProbes(t *testing.T) {
	fb := &fakeBackend{}
	fb.set(apperr.Network(errors.New("down")), nil)
	s := testScheduler(fb, bus.New())

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool {
		pings, _, _ := fb.counts()
		return pings >= 3
	})
	_, refreshes, drains := fb.counts()
	if refreshes != 0 || drains != 0 {
		t.Errorf("offline pass ran work: refreshes=%d drains=%d", refreshes, drains)
	}
	if s.Online() {
		t.Error("scheduler should stay offline while probes fail")
	}
}

func TestRecoveryAfterProbeSucceeds(t *testing.T) {
	fb := &fakeBackend{}
	fb.set(apperr.Network(errors.New("down")), nil)
	b := bus.New()
	var mu sync.Mutex
	var transitions []bool
	b.Subscribe(bus.KindNetworkStatusChanged, func(e bus.Event) {
		mu.Lock()
		transitions = append(transitions, e.(bus.NetworkStatusChanged).Online)
		mu.Unlock()
	})
	s := testScheduler(fb, b)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool {
		pings, _, _ := fb.counts()
		return pings >= 2
	})

	fb.set(nil, nil)
	waitFor(t, func() bool {
		_, refreshes, _ := fb.counts()
		return refreshes >= 1
	})

	if !s.Online() {
		t.Error("scheduler should be online after recovery")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || !transitions[len(transitions)-1] {
		t.Errorf("expected online transition event, got %v", transitions)
	}
}

func TestConnectivityErrorFlipsOffline(t *testing.T) {
	fb := &fakeBackend{}
	s := testScheduler(fb, bus.New())

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.Online() })

	fb.set(apperr.Network(errors.New("down")), apperr.Timeout(errors.New("deadline")))
	waitFor(t, func() bool { return !s.Online() })
}

func TestKickCoalesces(t *testing.T) {
	fb := &fakeBackend{}
	s := testScheduler(fb, bus.New())

	// Many kicks before the loop starts collapse into one queued pass.
	for i := 0; i < 10; i++ {
		s.Kick()
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool {
		_, refreshes, _ := fb.counts()
		return refreshes >= 1
	})
}

func TestSetOnlinePublishesOnce(t *testing.T) {
	fb := &fakeBackend{}
	b := bus.New()
	var mu sync.Mutex
	events := 0
	b.Subscribe(bus.KindNetworkStatusChanged, func(bus.Event) {
		mu.Lock()
		events++
		mu.Unlock()
	})
	s := testScheduler(fb, b)

	s.SetOnline(true)
	s.SetOnline(true)
	s.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	if events != 1 {
		t.Errorf("events = %d, want 1 for repeated identical state", events)
	}
}

func TestStopWaitsForLoop(t *testing.T) {
	fb := &fakeBackend{}
	s := testScheduler(fb, bus.New())

	s.Start(context.Background())
	s.Stop()

	_, before, _ := fb.counts()
	time.Sleep(50 * time.Millisecond)
	_, after, _ := fb.counts()
	if after != before {
		t.Error("passes continued after Stop")
	}
}
