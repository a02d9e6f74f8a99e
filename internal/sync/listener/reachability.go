package listener

import (
	"sync"

	"github.com/mimisupply/mimisync/internal/logging"
)

// Reachability tracks the binary connectivity signal. The transition
// from disconnected to connected fires the registered callback so the
// engine can run a full sync immediately, bypassing debounce and
// backoff timers calibrated for a network that may no longer be down.
type Reachability struct {
	mu       sync.Mutex
	online   bool
	onChange func(online bool)
}

// NewReachability creates a monitor assumed online until told otherwise.
// onChange runs on every transition, including the initial one.
func NewReachability(onChange func(online bool)) *Reachability {
	return &Reachability{online: true, onChange: onChange}
}

// Online reports the current connectivity state.
func (r *Reachability) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Set records a connectivity observation. Repeated observations of the
// same state are ignored.
func (r *Reachability) Set(online bool) {
	r.mu.Lock()
	if r.online == online {
		r.mu.Unlock()
		return
	}
	r.online = online
	cb := r.onChange
	r.mu.Unlock()

	logging.Info("Reachability changed", map[string]interface{}{"online": online})
	if cb != nil {
		cb(online)
	}
}
