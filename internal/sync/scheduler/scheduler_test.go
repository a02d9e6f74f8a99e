package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mimisupply/mimisync/internal/models"
)

type fakeEngine struct {
	mu     sync.Mutex
	cycles int
	pulls  []models.Partition
	online []bool
	resets int

	cycleCh chan struct{}
	pullCh  chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		cycleCh: make(chan struct{}, 16),
		pullCh:  make(chan struct{}, 16),
	}
}

func (f *fakeEngine) RunCycle(context.Context) error {
	f.mu.Lock()
	f.cycles++
	f.mu.Unlock()
	f.cycleCh <- struct{}{}
	return nil
}

func (f *fakeEngine) PullPartition(_ context.Context, p models.Partition) error {
	f.mu.Lock()
	f.pulls = append(f.pulls, p)
	f.mu.Unlock()
	f.pullCh <- struct{}{}
	return nil
}

func (f *fakeEngine) SetOnline(online bool) {
	f.mu.Lock()
	f.online = append(f.online, online)
	f.mu.Unlock()
}

func (f *fakeEngine) ResetBackoff() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func wait(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the worker")
	}
}

func TestSyncNowRunsCycle(t *testing.T) {
	engine := newFakeEngine()
	s := New(engine, Config{PullInterval: time.Hour})
	s.Start()
	defer s.Stop()

	s.SyncNow()
	wait(t, engine.cycleCh)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.cycles != 1 {
		t.Errorf("expected one cycle, got %d", engine.cycles)
	}
}

func TestSchedulePullRunsIncrementalPull(t *testing.T) {
	engine := newFakeEngine()
	s := New(engine, Config{PullInterval: time.Hour})
	s.Start()
	defer s.Stop()

	s.SchedulePull("private")
	wait(t, engine.pullCh)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.pulls) != 1 || engine.pulls[0] != "private" {
		t.Errorf("expected one pull for private, got %v", engine.pulls)
	}
}

func TestPeriodicTickerRunsCycles(t *testing.T) {
	engine := newFakeEngine()
	s := New(engine, Config{PullInterval: 20 * time.Millisecond})
	s.Start()
	defer s.Stop()

	wait(t, engine.cycleCh)
	wait(t, engine.cycleCh)
}

func TestReconnectResetsBackoffAndSyncs(t *testing.T) {
	engine := newFakeEngine()
	s := New(engine, Config{PullInterval: time.Hour})
	s.Start()
	defer s.Stop()

	s.OnReachabilityChange(false)
	engine.mu.Lock()
	if engine.resets != 0 {
		t.Error("going offline must not touch backoff timers")
	}
	engine.mu.Unlock()

	s.OnReachabilityChange(true)
	wait(t, engine.cycleCh)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.resets != 1 {
		t.Errorf("expected backoff reset on reconnect, got %d", engine.resets)
	}
	if len(engine.online) != 2 || engine.online[0] != false || engine.online[1] != true {
		t.Errorf("expected online signals [false true], got %v", engine.online)
	}
	if engine.cycles != 1 {
		t.Errorf("expected reconnect-forced cycle, got %d", engine.cycles)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	s := New(engine, Config{PullInterval: time.Hour, GraceWindow: 100 * time.Millisecond})

	s.Stop() // never started
	s.Start()
	s.Stop()
	s.Stop()
}
