package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opendatarepository/odr-worker/internal/worker"
)

// Registry maps each tube to exactly one handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]worker.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]worker.Handler)}
}

// Register sets the handler of a tube, replacing any earlier one.
func (r *Registry) Register(tube string, h worker.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tube] = h
}

// Handler returns the handler of a tube.
func (r *Registry) Handler(tube string) (worker.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tube]
	if !ok {
		return nil, fmt.Errorf("no handler for tube %q (known: %v)", tube, r.tubesLocked())
	}
	return h, nil
}

// Tubes lists the registered tubes in name order.
func (r *Registry) Tubes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tubesLocked()
}

func (r *Registry) tubesLocked() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
