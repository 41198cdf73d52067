package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/phrazzld/scry-batch/internal/kv"
)

// Registry hands out one Breaker handle per service. Handles are cheap; the
// state they guard lives in the store.
type Registry struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	opts   []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg and opts.
func NewRegistry(store kv.Store, cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	return &Registry{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for service, creating the handle on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.store, r.cfg, r.logger, r.opts...)
	r.breakers[service] = b
	return b
}

// Services returns the names of every breaker handed out, sorted.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// States loads the state of every known breaker.
func (r *Registry) States(ctx context.Context) ([]State, error) {
	names := r.Services()
	out := make([]State, 0, len(names))
	for _, name := range names {
		st, err := r.Get(name).State(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
