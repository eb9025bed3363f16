package codec

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/INLOpen/livedb/core"
)

// Registry maps journal type names to Go types so records can be decoded
// back into commands during replay and replication.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// TypeName returns the name v is journaled under.
func TypeName(v any) string {
	if n, ok := v.(core.Named); ok {
		return n.CommandName()
	}
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}

// Register records the type of sample under TypeName(sample). Registering the
// same type twice is a no-op; a different type under a taken name is an error.
func (r *Registry) Register(sample any) (string, error) {
	if sample == nil {
		return "", fmt.Errorf("codec: cannot register nil")
	}
	name := TypeName(sample)
	t := reflect.TypeOf(sample)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[name]; ok && existing != t {
		return "", fmt.Errorf("codec: name %q already registered for %s", name, existing)
	}
	r.types[name] = t
	return name, nil
}

// MustRegister is Register that panics on conflict. Meant for init-time wiring.
func (r *Registry) MustRegister(samples ...any) {
	for _, s := range samples {
		if _, err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the registered type for name.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names lists registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Encode serializes v and returns its journal type name with the payload.
func (r *Registry) Encode(s core.Serializer, v any) (string, []byte, error) {
	name := TypeName(v)
	if _, ok := r.Lookup(name); !ok {
		if _, err := r.Register(v); err != nil {
			return "", nil, err
		}
	}
	data, err := s.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return name, data, nil
}

// Decode builds a new value of the type registered under name and fills it
// from data. Pointer registrations yield pointers, value registrations yield values.
func (r *Registry) Decode(s core.Serializer, name string, data []byte) (any, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownCommand, name)
	}
	if t.Kind() == reflect.Pointer {
		ptr := reflect.New(t.Elem())
		if err := s.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return ptr.Interface(), nil
	}
	ptr := reflect.New(t)
	if err := s.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return ptr.Elem().Interface(), nil
}
