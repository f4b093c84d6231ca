package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChamsBouzaiene/mneme/internal/memory"
)

// Handle is exclusive access to one session's state. It is valid until the
// release func returned with it is called.
type Handle struct {
	ID    string
	State *memory.State

	e     *entry
	store Store
	log   zerolog.Logger
}

// Commit replaces the session's state with st.
func (h *Handle) Commit(st *memory.State) {
	*h.State = *st
	h.e.dirty = true
}

// Save persists the current state. Failures are logged and returned; the
// in-memory state stays authoritative either way.
func (h *Handle) Save(ctx context.Context) error {
	if err := h.store.Save(ctx, h.ID, h.State); err != nil {
		h.log.Error().Err(err).Str("session", h.ID).Msg("failed to persist session")
		return err
	}
	h.e.dirty = false
	return nil
}

// entry fields other than lock are only touched while lock is held.
type entry struct {
	lock     chan struct{}
	state    *memory.State
	loaded   bool
	dirty    bool // committed but not yet saved
	evicted  bool
	lastUsed time.Time
}

// Registry owns the live state of every session. Operations on one id are
// serialized; distinct ids proceed in parallel.
type Registry struct {
	store Store
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, log zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Acquire waits for exclusive access to id, loading it from the store on
// first use. A load failure is logged and the session starts empty, unless
// the failure came from ctx: then nothing is cached and the error is
// returned.
func (r *Registry) Acquire(ctx context.Context, id string) (*Handle, func(), error) {
	if err := ValidateID(id); err != nil {
		return nil, nil, err
	}

	e, err := r.lockEntry(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if !e.loaded {
		st, err := r.store.Load(ctx, id)
		if err != nil && ctx.Err() != nil {
			<-e.lock
			return nil, nil, fmt.Errorf("load session %s: %w", id, ctx.Err())
		}
		if err != nil {
			r.log.Warn().Err(err).Str("session", id).Msg("failed to load session, starting empty")
			st = memory.NewState()
		}
		e.state = st
		e.loaded = true
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.lastUsed = time.Now()
			<-e.lock
		})
	}
	return &Handle{ID: id, State: e.state, e: e, store: r.store, log: r.log}, release, nil
}

// lockEntry returns the live entry for id with its lock held.
func (r *Registry) lockEntry(ctx context.Context, id string) (*entry, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[id]
		if !ok {
			e = &entry{lock: make(chan struct{}, 1)}
			r.entries[id] = e
		}
		r.mu.Unlock()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// both cases can be ready at once; a cancelled caller never proceeds
		if err := ctx.Err(); err != nil {
			<-e.lock
			return nil, err
		}
		if e.evicted {
			<-e.lock
			continue
		}
		return e, nil
	}
}

// EvictIdle drops sessions that nobody holds, that have no unsaved commit
// and that were last released more than maxIdle ago. They are reloaded from
// the store on next use. It returns the number of sessions dropped.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		if !e.dirty && e.lastUsed.Before(cutoff) {
			e.evicted = true
			delete(r.entries, id)
			n++
		}
		<-e.lock
	}
	return n
}

// IDs returns the ids currently held in memory.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
