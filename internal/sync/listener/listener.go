// Package listener receives out-of-band remote-change notifications and
// turns them into debounced incremental pull triggers.
package listener

import (
	"sync"
	"time"

	"github.com/mimisupply/mimisync/internal/logging"
	"github.com/mimisupply/mimisync/internal/models"
)

// TriggerFunc schedules an incremental pull for a partition.
type TriggerFunc func(p models.Partition)

// Listener debounces bursty remote-change signals per partition so a
// notification storm collapses into one pull.
type Listener struct {
	trigger  TriggerFunc
	interval time.Duration

	mu     sync.Mutex
	last   map[models.Partition]time.Time
	timers map[models.Partition]*time.Timer
	closed bool
}

// New creates a Listener with the given per-partition debounce interval.
func New(trigger TriggerFunc, interval time.Duration) *Listener {
	return &Listener{
		trigger:  trigger,
		interval: interval,
		last:     make(map[models.Partition]time.Time),
		timers:   make(map[models.Partition]*time.Timer),
	}
}

// Notify records a remote-change signal for a partition. The first
// signal fires immediately; signals arriving inside the debounce window
// coalesce into a single trailing trigger.
func (l *Listener) Notify(p models.Partition) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if _, pending := l.timers[p]; pending {
		return
	}

	now := time.Now()
	elapsed := now.Sub(l.last[p])
	if elapsed >= l.interval {
		l.last[p] = now
		go l.trigger(p)
		return
	}

	delay := l.interval - elapsed
	l.timers[p] = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, p)
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.last[p] = time.Now()
		l.mu.Unlock()
		l.trigger(p)
	})
}

// Close stops all pending debounce timers.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for p, t := range l.timers {
		t.Stop()
		delete(l.timers, p)
	}
	logging.Debug("Change listener closed", nil)
}
