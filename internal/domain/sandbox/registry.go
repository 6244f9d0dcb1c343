package sandbox

import (
	"sync"
)

// Registry is the in-memory source of truth for running sandboxes. All
// read-modify-write sequences go through its lock; per-owner ordering is
// provided by OwnerLock so "tear down existing, then create new" cannot
// interleave with a concurrent create for the same owner.
type Registry struct {
	mu      sync.RWMutex
	byOwner map[string][]*Record
	byID    map[string]*Record

	ownerMu sync.Mutex
	owners  map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byOwner: make(map[string][]*Record),
		byID:    make(map[string]*Record),
		owners:  make(map[string]*sync.Mutex),
	}
}

// OwnerLock returns the serialization lock for one owner. Lifecycle
// operations for the same owner must hold it for their full duration.
func (r *Registry) OwnerLock(ownerID string) *sync.Mutex {
	r.ownerMu.Lock()
	defer r.ownerMu.Unlock()
	m, ok := r.owners[ownerID]
	if !ok {
		m = &sync.Mutex{}
		r.owners[ownerID] = m
	}
	return m
}

// Put registers a record, replacing any previous record with the same ID.
func (r *Registry) Put(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[rec.SandboxID]; ok {
		r.removeOwnerEntry(old)
	}
	r.byID[rec.SandboxID] = rec
	r.byOwner[rec.OwnerID] = append(r.byOwner[rec.OwnerID], rec)
}

// Remove drops a record by sandbox ID. Unknown IDs are a no-op.
func (r *Registry) Remove(sandboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[sandboxID]
	if !ok {
		return
	}
	delete(r.byID, sandboxID)
	r.removeOwnerEntry(rec)
}

func (r *Registry) removeOwnerEntry(rec *Record) {
	list := r.byOwner[rec.OwnerID]
	for i, cur := range list {
		if cur.SandboxID == rec.SandboxID {
			r.byOwner[rec.OwnerID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byOwner[rec.OwnerID]) == 0 {
		delete(r.byOwner, rec.OwnerID)
	}
}

// Get returns the record for a sandbox ID.
func (r *Registry) Get(sandboxID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[sandboxID]
	return rec, ok
}

// ForOwner returns a copy of the records tracked for one owner.
func (r *Registry) ForOwner(ownerID string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byOwner[ownerID]
	out := make([]*Record, len(list))
	copy(out, list)
	return out
}

// All returns a copy of every tracked record.
func (r *Registry) All() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}

// Len reports the number of tracked sandboxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
