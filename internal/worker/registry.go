package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc runs one invocation of a task with its JSON encoded arguments.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

// Registry maps stable task names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to h. Names are part of persisted jobs, so binding the
// same name twice is an error.
func (r *Registry) Register(name string, h HandlerFunc) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for task %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler for task %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Register binds name to a typed handler. Arguments are decoded from JSON
// into T; undecodable arguments fail the job permanently.
func Register[T any](r *Registry, name string, fn func(ctx context.Context, args T) error) error {
	return r.Register(name, func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return Permanent(fmt.Errorf("decode args for task %q: %w", name, err))
			}
		}
		return fn(ctx, args)
	})
}

func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PermanentError marks a handler failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
