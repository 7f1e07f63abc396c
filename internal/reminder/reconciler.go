package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukerupert/reminderd/internal/kv"
)

// TickStats summarises one completed sweep.
type TickStats struct {
	Scanned   int           `json:"scanned"`
	Due       int           `json:"due"`
	Processed int           `json:"processed"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Reconciler periodically sweeps the store for records whose trigger time has
// passed and hands them to the dispatcher. It never writes records itself.
type Reconciler struct {
	store    kv.Store
	proc     processor
	timeline *Timeline
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger

	scanning atomic.Bool

	mu       sync.Mutex
	last     TickStats
	upcoming map[string]time.Time
	warned   map[string]struct{}
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the reconciler's clock.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithLease makes each sweep acquire a store lease first, so only one
// instance sweeps per interval. The lease is left to expire.
func WithLease(ttl time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.leaseTTL = ttl
	}
}

// WithRearm re-arms t with every future record a sweep encounters.
func WithRearm(t *Timeline) ReconcilerOption {
	return func(r *Reconciler) {
		r.timeline = t
	}
}

// NewReconciler creates a reconciler feeding dispatcher.
func NewReconciler(store kv.Store, dispatcher *Dispatcher, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:  store,
		proc:   dispatcher,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnTick runs one sweep. A tick arriving while a sweep is running is dropped.
func (r *Reconciler) OnTick(ctx context.Context) error {
	_, err := r.TryTick(ctx)
	return err
}

// TryTick runs one sweep and reports whether it ran. It returns false without
// touching the store when a sweep is already in progress in this process, or
// when another instance holds the lease.
func (r *Reconciler) TryTick(ctx context.Context) (bool, error) {
	if !r.scanning.CompareAndSwap(false, true) {
		r.logger.Info("reconcile already in progress, skipping tick")
		return false, nil
	}
	defer r.scanning.Store(false)

	if r.leaseTTL > 0 {
		ok, err := r.store.SetNX(ctx, leaseKey, strconv.FormatInt(r.now().UnixMilli(), 10), r.leaseTTL)
		if err != nil {
			r.logger.Error("acquire reconcile lease", "error", err)
			return true, fmt.Errorf("acquire reconcile lease: %w", err)
		}
		if !ok {
			r.logger.Debug("reconcile lease held elsewhere, skipping tick")
			return false, nil
		}
	}

	stats := TickStats{StartedAt: r.now()}
	due, scanned, err := r.sweep(ctx, stats.StartedAt)
	stats.Scanned = scanned
	if err != nil {
		r.logger.Error("reconcile sweep failed", "error", err)
		return true, err
	}
	stats.Due = len(due)

	for _, key := range due {
		if ctx.Err() != nil {
			break
		}
		r.proc.Process(ctx, key)
		stats.Processed++
	}
	stats.Duration = r.now().Sub(stats.StartedAt)

	r.mu.Lock()
	r.last = stats
	r.mu.Unlock()

	if stats.Due > 0 {
		r.logger.Info("reconcile complete", "scanned", stats.Scanned, "due", stats.Due, "processed", stats.Processed)
	} else {
		r.logger.Debug("reconcile complete", "scanned", stats.Scanned)
	}
	return true, nil
}

// Scanning reports whether a sweep is in progress.
func (r *Reconciler) Scanning() bool {
	return r.scanning.Load()
}

// LastTick returns the stats of the most recent completed sweep.
func (r *Reconciler) LastTick() TickStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// FindExpired returns every tracked reminder key whose trigger time is at or
// before now.
func (r *Reconciler) FindExpired(ctx context.Context) ([]string, error) {
	due, _, err := r.sweep(ctx, r.now())
	return due, err
}

// sweep walks every tracking set and returns the due keys along with the
// number of records examined. Unreadable records count as due so the
// dispatcher removes them.
func (r *Reconciler) sweep(ctx context.Context, now time.Time) ([]string, int, error) {
	trackingKeys, err := r.store.Scan(ctx, trackingPrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("list tracking sets: %w", err)
	}

	var (
		due     []string
		scanned int
		seen     = make(map[string]struct{})
		missing  = make(map[string]string)
		upcoming = make(map[string]time.Time)
	)
	for _, tk := range trackingKeys {
		raw, ok, err := r.store.Get(ctx, tk)
		if err != nil {
			return nil, scanned, fmt.Errorf("read tracking set %s: %w", tk, err)
		}
		if !ok {
			continue
		}
		keys, err := decodeKeys(raw)
		if err != nil {
			r.logger.Warn("skipping unreadable tracking set", "key", tk, "error", err)
			continue
		}

		for _, key := range keys {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			value, ok, err := r.store.Get(ctx, key)
			if err != nil {
				return nil, scanned, fmt.Errorf("read reminder %s: %w", key, err)
			}
			if !ok {
				missing[key] = tk
				continue
			}
			scanned++

			rec, err := decodeRecord(value)
			if err != nil {
				r.logger.Warn("unreadable reminder record", "key", key, "error", err)
				due = append(due, key)
				continue
			}
			if rec.Due(now) {
				due = append(due, key)
				continue
			}
			upcoming[key] = rec.TriggerTime()
			if r.timeline != nil {
				r.timeline.Add(key, rec.TriggerTime())
			}
		}
	}
	r.reportMissing(missing, upcoming, now)
	return due, scanned, nil
}

// reportMissing logs tracked keys whose record is gone. A record that
// vanished before its last known trigger time is an anomaly and is warned
// about once; anything else was delivered or expired normally.
func (r *Reconciler) reportMissing(missing map[string]string, upcoming map[string]time.Time, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	warned := make(map[string]struct{}, len(missing))
	for key, tk := range missing {
		trigger, known := r.upcoming[key]
		if !known || !trigger.After(now) {
			r.logger.Debug("tracked reminder gone", "key", key, "tracking_key", tk)
			continue
		}
		if _, ok := r.warned[key]; !ok {
			r.logger.Warn("tracked reminder missing before trigger", "key", key, "tracking_key", tk, "trigger_at", trigger)
		}
		warned[key] = struct{}{}
		upcoming[key] = trigger
	}
	r.upcoming = upcoming
	r.warned = warned
}
