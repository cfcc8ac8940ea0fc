package api

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// vmLocks serializes mutating requests per VM name. Entries are dropped when unused.
type vmLocks struct {
	mu    sync.Mutex
	locks map[string]*vmLock
}

type vmLock struct {
	sync.Mutex
	refs int
}

func newVMLocks() *vmLocks {
	return &vmLocks{locks: make(map[string]*vmLock)}
}

func (l *vmLocks) lock(name string) func() {
	l.mu.Lock()
	entry, ok := l.locks[name]
	if !ok {
		entry = &vmLock{}
		l.locks[name] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}

func (s *ApiService) withVMLock(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unlock := s.locks.lock(chi.URLParam(r, "name"))
		defer unlock()
		h(w, r)
	}
}
