package broker

import (
	"sync"

	"golang.org/x/time/rate"
)

// AdmissionPolicy enforces the global and per-credential session caps from
// spec.md §4.8, plus a token-bucket limiter that throttles the rate of
// admission *attempts* so a misbehaving client retrying in a tight loop
// can't starve the acceptor. Orphaned sessions count against the caps
// (spec.md §9's fixed open question).
//
// The caps are read on every Admit call and rewritten by SetCaps from the
// config hot-reload goroutine; mu guards both against that race (the same
// pattern src/config.Live uses for its own live fields).
type AdmissionPolicy struct {
	registry *Registry
	limiter  *rate.Limiter

	mu                   sync.RWMutex
	maxTotalSessions     int
	maxSessionsPerDigest int
}

// NewAdmissionPolicy constructs a policy backed by registry for cap checks.
// attemptsPerSecond/burst bound the handshake-attempt rate; pass 0 for
// attemptsPerSecond to disable rate limiting.
func NewAdmissionPolicy(registry *Registry, maxTotalSessions, maxSessionsPerDigest int, attemptsPerSecond float64, burst int) *AdmissionPolicy {
	var limiter *rate.Limiter
	if attemptsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(attemptsPerSecond), burst)
	}
	return &AdmissionPolicy{
		registry:             registry,
		maxTotalSessions:     maxTotalSessions,
		maxSessionsPerDigest: maxSessionsPerDigest,
		limiter:              limiter,
	}
}

// Admit decides whether a new session for digest may be created. On denial
// it returns a *BrokerError with Code=CodeAdmissionDenied and a Reason of
// ReasonGlobalCap or ReasonPerCredentialCap. No queueing is performed: the
// caller is expected to close with 4002 and let the client retry with
// backoff.
func (a *AdmissionPolicy) Admit(digest string) error {
	if a.limiter != nil && !a.limiter.Allow() {
		return newError(CodeAdmissionDenied, ReasonGlobalCap, "admission attempt rate exceeded, retry with backoff", nil)
	}
	maxTotal, maxPerDigest := a.caps()
	if maxTotal > 0 && a.registry.Count() >= maxTotal {
		return newError(CodeAdmissionDenied, ReasonGlobalCap, "global session cap reached", nil)
	}
	if maxPerDigest > 0 && a.registry.CountByDigest(digest) >= maxPerDigest {
		return newError(CodeAdmissionDenied, ReasonPerCredentialCap, "per-credential session cap reached", nil)
	}
	return nil
}

func (a *AdmissionPolicy) caps() (maxTotal, maxPerDigest int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxTotalSessions, a.maxSessionsPerDigest
}

// SetCaps updates the caps live, so config hot-reload (fsnotify-driven) can
// adjust them without a restart.
func (a *AdmissionPolicy) SetCaps(maxTotalSessions, maxSessionsPerDigest int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxTotalSessions = maxTotalSessions
	a.maxSessionsPerDigest = maxSessionsPerDigest
}
