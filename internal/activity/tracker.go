package activity

import (
	"sort"
	"sync"
	"time"

	"pr-hostdata-cache/internal/metrics"
	xsync "pr-hostdata-cache/internal/sync"
)

// Fetch is one in-flight scope fetch. StartedAt is epoch milliseconds.
type Fetch struct {
	ScopeID   string `json:"scopeId"`
	Label     string `json:"label"`
	StartedAt int64  `json:"startedAt"`
}

// Snapshot is the immutable view handed to subscribers.
type Snapshot struct {
	ActiveFetches     []Fetch `json:"activeFetches"`
	ActiveFetchCount  int     `json:"activeFetchCount"`
	TrackedScopeCount int     `json:"trackedScopeCount"`
}

// Tracker records which scopes are fetching and which are tracked at all.
// Both marks are reference counted: a scope id stays active until every Start has been
// matched by an End, and tracked until every Track has been matched by an Untrack.
type Tracker struct {
	now func() time.Time

	mu      sync.Mutex
	active  map[string]*activeFetch
	tracked map[string]int
	version uint64
	snap    Snapshot
	snapVer uint64

	listeners xsync.Listeners
}

// New creates a Tracker. A nil now uses time.Now.
func New(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:     now,
		active:  make(map[string]*activeFetch),
		tracked: make(map[string]int),
		snapVer: ^uint64(0),
	}
}

type activeFetch struct {
	Fetch
	refs int
}

// Start marks scopeID as fetching. A scope already fetching keeps its original start time.
func (t *Tracker) Start(scopeID, label string) {
	t.mu.Lock()
	if f, ok := t.active[scopeID]; ok {
		f.refs++
		t.mu.Unlock()
		return
	}
	t.active[scopeID] = &activeFetch{
		Fetch: Fetch{ScopeID: scopeID, Label: label, StartedAt: t.now().UnixMilli()},
		refs:  1,
	}
	t.changedLocked()
	t.mu.Unlock()

	t.listeners.Notify()
}

// End releases one Start of scopeID. The fetching mark clears with the last release.
func (t *Tracker) End(scopeID string) {
	t.mu.Lock()
	f, ok := t.active[scopeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	f.refs--
	if f.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.active, scopeID)
	t.changedLocked()
	t.mu.Unlock()

	t.listeners.Notify()
}

// Track registers a live scope.
func (t *Tracker) Track(scopeID string) {
	t.mu.Lock()
	t.tracked[scopeID]++
	if t.tracked[scopeID] > 1 {
		t.mu.Unlock()
		return
	}
	t.changedLocked()
	t.mu.Unlock()

	t.listeners.Notify()
}

// Untrack releases one Track of scopeID. Fetches still in flight stay active until they end.
func (t *Tracker) Untrack(scopeID string) {
	t.mu.Lock()
	n, ok := t.tracked[scopeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if n > 1 {
		t.tracked[scopeID] = n - 1
		t.mu.Unlock()
		return
	}
	delete(t.tracked, scopeID)
	t.changedLocked()
	t.mu.Unlock()

	t.listeners.Notify()
}

func (t *Tracker) changedLocked() {
	t.version++
	metrics.ActiveFetches.Set(float64(len(t.active)))
}

// Subscribe registers fn to be called after every change.
func (t *Tracker) Subscribe(fn func()) (unsubscribe func()) {
	return t.listeners.Add(fn)
}

// Version increases with every change.
func (t *Tracker) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Snapshot returns the current state. It is rebuilt only when the version moved.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snapVer == t.version {
		return t.snap
	}

	fetches := make([]Fetch, 0, len(t.active))
	for _, f := range t.active {
		fetches = append(fetches, f.Fetch)
	}
	sort.Slice(fetches, func(i, j int) bool {
		if fetches[i].StartedAt != fetches[j].StartedAt {
			return fetches[i].StartedAt < fetches[j].StartedAt
		}
		return fetches[i].ScopeID < fetches[j].ScopeID
	})

	t.snap = Snapshot{
		ActiveFetches:     fetches,
		ActiveFetchCount:  len(fetches),
		TrackedScopeCount: len(t.tracked),
	}
	t.snapVer = t.version
	return t.snap
}
