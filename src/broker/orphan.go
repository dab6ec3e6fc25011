package broker

import (
	"sync"
	"time"
)

// OrphanTimer schedules generation-guarded expiry callbacks for Orphaned
// sessions. arm/cancel mirror a classic setTimeout/clearTimeout pair, but
// the generation counter on each Session closes the race the source's
// ad-hoc timers were prone to: a resume that lands between deadline firing
// and the callback acquiring the session advances the generation, so the
// late callback becomes a no-op (spec.md §4.6, §9).
type OrphanTimer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewOrphanTimer creates an empty timer set.
func NewOrphanTimer() *OrphanTimer {
	return &OrphanTimer{timers: make(map[string]*time.Timer)}
}

// Arm schedules onExpire to run at deadline if the session is still Orphaned
// at its given generation when the timer fires. Arming an already-armed
// session replaces the previous schedule.
func (o *OrphanTimer) Arm(session *Session, deadline time.Time, generation uint64, onExpire func(*Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.timers[session.ID]; ok {
		existing.Stop()
	}

	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	o.timers[session.ID] = time.AfterFunc(delay, func() {
		if session.State() == StateOrphaned && session.Generation() == generation {
			onExpire(session)
		}
	})
}

// Cancel disarms any pending timer for the session. Safe to call when no
// timer is armed.
func (o *OrphanTimer) Cancel(session *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[session.ID]; ok {
		t.Stop()
		delete(o.timers, session.ID)
	}
}
