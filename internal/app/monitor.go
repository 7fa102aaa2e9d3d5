package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/domain"
)

// InviteMonitor holds one pending timer per session that is waiting for the
// conference focus to engage. Cancel is O(1). A fire that loses the race
// against cancellation is delivered anyway and ignored by the session.
type InviteMonitor struct {
	mu     sync.Mutex
	timers map[domain.CallResource]*time.Timer
}

func NewInviteMonitor() *InviteMonitor {
	return &InviteMonitor{timers: make(map[domain.CallResource]*time.Timer)}
}

// Arm starts a one-shot timer for resource. Re-arming replaces the pending
// timer. fire runs on the timer goroutine exactly once.
func (m *InviteMonitor) Arm(resource domain.CallResource, d time.Duration, fire func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[resource]; ok {
		t.Stop()
	}
	m.timers[resource] = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, resource)
		m.mu.Unlock()
		log.Debug().Str("module", "app.monitor").Str("resource", string(resource)).Msg("invite timeout fired")
		fire()
	})
}

// Cancel disarms the pending timer; a no-op when it already fired or was
// never armed.
func (m *InviteMonitor) Cancel(resource domain.CallResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[resource]; ok {
		t.Stop()
		delete(m.timers, resource)
	}
}

// Pending reports whether a timer is still armed for resource.
func (m *InviteMonitor) Pending(resource domain.CallResource) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[resource]
	return ok
}
