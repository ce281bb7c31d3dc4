package limiter

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"time"

	"github.com/fabkury/makapix-sub009/internal/kvstore"
)

// DedupKey identifies one logical telemetry event. Two events with an equal
// key inside the TTL window are the same event retransmitted.
type DedupKey struct {
	DeviceKey string
	ContentID int64
	Timestamp time.Time
}

// marker returns the short store key for k.
func (k DedupKey) marker() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", k.DeviceKey, k.ContentID, k.Timestamp.UnixNano())))
	return fmt.Sprintf("dd:%x", h[:12])
}

// Deduper records idempotency markers in the shared store. The TTL must
// exceed the broker's plausible retransmission window.
type Deduper struct {
	store  kvstore.Store
	ttl    time.Duration
	logger *log.Logger
}

// NewDeduper builds a Deduper with the given marker TTL.
func NewDeduper(store kvstore.Store, ttl time.Duration, logger *log.Logger) *Deduper {
	return &Deduper{store: store, ttl: ttl, logger: logger}
}

// Claim atomically records key, storing outcome alongside the marker. It
// returns first=true when the event was not seen within the TTL. On a
// retransmission it returns first=false and the outcome recorded the first
// time, so acknowledged flows can replay the original result instead of
// reporting a fresh success.
//
// Telemetry is availability-critical, so an unreachable store fails open:
// the event is treated as first and the degradation is logged.
func (d *Deduper) Claim(ctx context.Context, key DedupKey, outcome []byte) (first bool, prior []byte) {
	stored, existing, err := d.store.SetIfAbsent(ctx, key.marker(), outcome, d.ttl)
	if err != nil {
		d.logger.Printf("[warn] dedup store unreachable, failing open (device=%s content=%d): %v", key.DeviceKey, key.ContentID, err)
		return true, nil
	}
	if stored {
		return true, nil
	}
	return false, existing
}
