package worker

import (
	"context"
	"sort"
	"sync"
)

// JobFunc is user job code: it receives the run handle for logging and
// payload access, and returns a result string. Returning an error wrapped by
// Permanent marks the failure non-retryable.
type JobFunc func(ctx context.Context, run *JobRun) (string, error)

// HandlerRegistry maps jobNameInWorker to the registered handler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]JobFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobFunc)}
}

// Register binds a handler to a job name. Later registrations replace earlier
// ones.
func (r *HandlerRegistry) Register(jobName string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobName] = fn
}

// Get returns the handler for a job name.
func (r *HandlerRegistry) Get(jobName string) (JobFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[jobName]
	return fn, ok
}

// JobTypes lists the registered job names, sorted.
func (r *HandlerRegistry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
