package process

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/metrics"
)

// Registry maps server ids to supervisors. At most one supervisor per id
// may be active at any time.
type Registry struct {
	spawner Spawner
	opts    Options
	logger  *slog.Logger

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

// NewRegistry creates an empty registry whose supervisors launch through spawner
func NewRegistry(spawner Spawner, opts Options, log *slog.Logger) *Registry {
	return &Registry{
		spawner:     spawner,
		opts:        opts,
		logger:      log.With("component", "registry"),
		supervisors: make(map[string]*Supervisor),
	}
}

// GetOrCreate returns an inactive supervisor for identity, creating one when
// needed. An active supervisor for the same id is a conflict. An inactive
// supervisor built from a different identity is closed and replaced.
func (r *Registry) GetOrCreate(identity *config.Identity) (*Supervisor, error) {
	id := identity.DisplayID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.supervisors[id]; ok {
		if existing.IsActive() {
			return nil, Errorf(KindConflict, "start", id, "server is already %s", existing.State())
		}
		if existing.Identity().Equal(identity) {
			return existing, nil
		}
		r.logger.Info("Identity changed, replacing supervisor", "server", id)
		if err := existing.Close(); err != nil {
			r.logger.Warn("Failed to close replaced supervisor", "server", id, "error", err)
		}
	}

	sup := NewSupervisor(identity, r.spawner, r.opts, r.logger)
	r.supervisors[id] = sup
	metrics.SetRegistrySize(len(r.supervisors))
	return sup, nil
}

// Get returns the supervisor for id
func (r *Registry) Get(id string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.supervisors[normalizeID(id)]
	return sup, ok
}

// Remove closes and forgets the supervisor for id. Removing an active
// supervisor is a conflict.
func (r *Registry) Remove(id string) error {
	id = normalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	sup, ok := r.supervisors[id]
	if !ok {
		return nil
	}
	if sup.IsActive() {
		return Errorf(KindConflict, "remove", id, "server is still %s", sup.State())
	}
	delete(r.supervisors, id)
	metrics.SetRegistrySize(len(r.supervisors))
	return sup.Close()
}

// FindLocal returns the first supervisor, in id order, matching pred
func (r *Registry) FindLocal(pred func(*Supervisor) bool) (*Supervisor, bool) {
	for _, sup := range r.List() {
		if pred(sup) {
			return sup, true
		}
	}
	return nil, false
}

// IsEmpty reports whether no supervisor is active
func (r *Registry) IsEmpty() bool {
	for _, sup := range r.List() {
		if sup.IsActive() {
			return false
		}
	}
	return true
}

// List returns all supervisors sorted by id
func (r *Registry) List() []*Supervisor {
	r.mu.Lock()
	list := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		list = append(list, sup)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Identity().DisplayID() < list[j].Identity().DisplayID()
	})
	return list
}

// CloseAll kills and closes every supervisor and empties the registry
func (r *Registry) CloseAll() {
	r.mu.Lock()
	list := make([]*Supervisor, 0, len(r.supervisors))
	for id, sup := range r.supervisors {
		list = append(list, sup)
		delete(r.supervisors, id)
	}
	r.mu.Unlock()
	metrics.SetRegistrySize(0)

	var wg sync.WaitGroup
	for _, sup := range list {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			if err := sup.Close(); err != nil {
				r.logger.Warn("Failed to close supervisor", "server", sup.Identity().DisplayID(), "error", err)
			}
		}(sup)
	}
	wg.Wait()
}

func normalizeID(id string) string {
	if id == "" {
		return config.DefaultServerID
	}
	return id
}
