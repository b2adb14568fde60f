// Package registry implements a process-wide, in-memory bind/unbind/lookup
// registry. It replaces ambient global lookup tables (a connection-provider
// map, a message-queue map) with explicit registry objects that issue an
// ownership token on bind; only the token holder may unbind an entry.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Token proves ownership of a binding for the purpose of unbinding it.
type Token string

// NotFoundError reports that Unbind was given a name with no binding.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: no binding named %q", e.Name)
}

// OwnershipError reports that an unbind was attempted with a token that does
// not match the one issued when the binding was created.
type OwnershipError struct {
	Name string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("registry: token does not own binding %q", e.Name)
}

// DuplicateNameError reports that Bind was called for a name already bound.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("registry: %q is already bound", e.Name)
}

type entry struct {
	value interface{}
	token Token
}

// Registry binds names to arbitrary values for the lifetime of the process.
// It is safe for concurrent use. Named bindings are typed by convention
// (callers agree on what a given name holds, typically via a type assertion
// after Lookup), matching how a single registry instance is shared across a
// factory, its consumers, and same-process producers of a SQL-backed queue.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Bind registers value under name and returns a token that proves ownership
// for a subsequent Unbind. Binding an already-bound name fails with
// DuplicateNameError; callers that want last-writer-wins semantics should
// Unbind first.
func (r *Registry) Bind(name string, value interface{}) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return "", &DuplicateNameError{Name: name}
	}
	token := Token(uuid.NewString())
	r.entries[name] = entry{value: value, token: token}
	return token, nil
}

// Unbind removes the binding for name. The supplied token must match the one
// returned by Bind, otherwise the binding is left untouched and
// OwnershipError is returned. Unbinding an absent name returns NotFoundError.
func (r *Registry) Unbind(name string, token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[name]
	if !exists {
		return &NotFoundError{Name: name}
	}
	if e.token != token {
		return &OwnershipError{Name: name}
	}
	delete(r.entries, name)
	return nil
}

// Lookup returns the value bound to name, if any.
func (r *Registry) Lookup(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return nil, false
	}
	return e.value, true
}

// Names returns the currently-bound names, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

var (
	defaultOnce     sync.Once
	defaultInstance *Registry
)

// Default returns the process-wide default registry, lazily constructed on
// first use. Transports that expose a same-process publishing façade (the
// SQL transport's queueRegistryName, for example) bind into this instance
// unless a caller supplies its own Registry explicitly.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultInstance = New()
	})
	return defaultInstance
}
