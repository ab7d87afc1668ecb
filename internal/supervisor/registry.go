package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/angeloszaimis/idleproxy/internal/backend"
)

// Registry holds every supervisor of the process so they can be stopped
// together.
type Registry struct {
	mutex       sync.RWMutex
	supervisors map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{
		supervisors: make(map[string]*Supervisor),
	}
}

func (r *Registry) Add(s *Supervisor) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.supervisors[s.ID()]; exists {
		return fmt.Errorf("backend %s registered twice", s.ID())
	}
	r.supervisors[s.ID()] = s
	return nil
}

func (r *Registry) Get(id string) (*Supervisor, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, ok := r.supervisors[id]
	return s, ok
}

// All returns the supervisors ordered by backend id.
func (r *Registry) All() []*Supervisor {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Supervisor, 0, len(r.supervisors))
	for _, s := range r.supervisors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (r *Registry) States() map[string]backend.State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	states := make(map[string]backend.State, len(r.supervisors))
	for id, s := range r.supervisors {
		states[id] = s.State()
	}
	return states
}

// Shutdown stops every backend in parallel and returns once all are down
// or ctx ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	supervisors := r.All()

	var wg sync.WaitGroup
	errs := make([]error, len(supervisors))
	for i, s := range supervisors {
		wg.Add(1)
		go func(i int, s *Supervisor) {
			defer wg.Done()
			errs[i] = s.Shutdown(ctx)
		}(i, s)
	}
	wg.Wait()

	return errors.Join(errs...)
}
