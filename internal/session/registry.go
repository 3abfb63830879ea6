package session

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// Registry maps session ids to sessions. The map is striped by id hash so
// unrelated sessions never contend on one lock, and creation is a single
// check-and-set under the shard lock.
type Registry struct {
	shards [shardCount]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the session stored under id, or stores and returns
// the one built by create. created is true only for the caller whose
// create result was stored. create runs under the shard lock and must not
// block.
func (r *Registry) GetOrCreate(id string, create func() *Session) (s *Session, created bool) {
	sh := r.shard(id)

	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if ok {
		return s, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[id]; ok {
		return s, false
	}
	s = create()
	sh.sessions[id] = s
	return s, true
}

// Put stores s unless id is taken. Reports whether it was stored.
func (r *Registry) Put(s *Session) bool {
	_, created := r.GetOrCreate(s.id, func() *Session { return s })
	return created
}

func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	delete(sh.sessions, id)
	return s, ok
}

// All returns every session in no particular order.
func (r *Registry) All() []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
