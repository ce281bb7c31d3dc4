// Package limiter enforces per-subject quotas and event idempotency on top of
// the shared kvstore, so any number of gateway instances enforce one global
// limit.
package limiter

import (
	"context"
	"log"
	"time"

	"github.com/fabkury/makapix-sub009/internal/kvstore"
)

// Quota is one configured limit: at most Limit operations per Window for each
// subject. FailOpen selects the degradation policy when the shared store is
// unreachable: allow and log (availability-critical telemetry) versus deny
// (security-sensitive flows).
type Quota struct {
	Name     string
	Limit    int64
	Window   time.Duration
	FailOpen bool
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	// Degraded is set when the store was unreachable and the quota's
	// fail-open/fail-closed policy decided the outcome.
	Degraded bool
}

// Limiter checks quotas against the shared store.
type Limiter struct {
	store  kvstore.Store
	logger *log.Logger
}

// New builds a Limiter.
func New(store kvstore.Store, logger *log.Logger) *Limiter {
	return &Limiter{store: store, logger: logger}
}

// Allow counts one operation by subject against q and reports whether it fits
// the window. The count-and-compare is a single atomic store operation.
func (l *Limiter) Allow(ctx context.Context, q Quota, subject string) Decision {
	key := "rl:" + q.Name + ":" + subject
	count, remaining, err := l.store.IncrWindow(ctx, key, q.Window)
	if err != nil {
		l.logger.Printf("[warn] rate-limit store unreachable (quota=%s subject=%s failOpen=%v): %v", q.Name, subject, q.FailOpen, err)
		d := Decision{Allowed: q.FailOpen, Degraded: true}
		// A degraded deny still needs a retry hint; the full window is the
		// only honest one available without the store.
		if !d.Allowed {
			d.RetryAfter = q.Window
		}
		return d
	}
	if count > q.Limit {
		return Decision{Allowed: false, RetryAfter: remaining}
	}
	return Decision{Allowed: true, Remaining: q.Limit - count}
}
