package reminder

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxTimelineSleep caps a single wait so clock jumps are noticed.
const maxTimelineSleep = time.Minute

type timelineEntry struct {
	key   string
	at    time.Time
	index int
}

type entryHeap []*timelineEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].key < h[j].key
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*timelineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Timeline fires reminder keys at their trigger time. It holds only keys and
// instants; the store stays the source of truth and the dispatcher re-reads
// each record when it fires.
type Timeline struct {
	mu      sync.Mutex
	entries entryHeap
	byKey   map[string]*timelineEntry
	wake    chan struct{}

	proc   processor
	now    func() time.Time
	logger *slog.Logger
}

// NewTimeline creates a timeline that hands due keys to proc.
func NewTimeline(proc processor, logger *slog.Logger) *Timeline {
	return &Timeline{
		byKey:  make(map[string]*timelineEntry),
		wake:   make(chan struct{}, 1),
		proc:   proc,
		now:    time.Now,
		logger: logger,
	}
}

// Add arms key to fire at at. Re-adding a key replaces its time.
func (t *Timeline) Add(key string, at time.Time) {
	t.mu.Lock()
	if e, ok := t.byKey[key]; ok {
		e.at = at
		heap.Fix(&t.entries, e.index)
	} else {
		e := &timelineEntry{key: key, at: at}
		heap.Push(&t.entries, e)
		t.byKey[key] = e
	}
	t.mu.Unlock()
	t.notify()
}

// Remove disarms key. Unknown keys are ignored.
func (t *Timeline) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&t.entries, e.index)
	delete(t.byKey, key)
}

// Len returns the number of armed keys.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Next returns the earliest armed key and its time.
func (t *Timeline) Next() (string, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return "", time.Time{}, false
	}
	e := t.entries[0]
	return e.key, e.at, true
}

func (t *Timeline) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns every key whose time is at or before now.
func (t *Timeline) popDue(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for len(t.entries) > 0 && !t.entries[0].at.After(now) {
		e := heap.Pop(&t.entries).(*timelineEntry)
		delete(t.byKey, e.key)
		keys = append(keys, e.key)
	}
	return keys
}

// fire processes every due key in order and returns how many were handled.
func (t *Timeline) fire(ctx context.Context) int {
	keys := t.popDue(t.now())
	for _, key := range keys {
		if ctx.Err() != nil {
			return 0
		}
		outcome := t.proc.Process(ctx, key)
		t.logger.Debug("timeline fired", "key", key, "outcome", outcome.String())
	}
	return len(keys)
}

// Run fires due keys until ctx is cancelled.
func (t *Timeline) Run(ctx context.Context) {
	t.logger.Info("timeline started")
	defer t.logger.Info("timeline stopped")

	for {
		t.fire(ctx)

		wait := maxTimelineSleep
		if _, at, ok := t.Next(); ok {
			if d := at.Sub(t.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
