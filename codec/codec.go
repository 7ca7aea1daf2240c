// Package codec provides the wire encodings peersync uses for sync messages
// exchanged between peers.
package codec

import (
	"fmt"
	"sort"
	"sync"
)

// Codec encodes and decodes values for the wire, identified by kind for
// registry lookup.
type Codec interface {
	// Kind returns the unique identifier for this codec type
	Kind() string
	// Marshal converts a value to its wire representation
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into the value pointed to by v
	Unmarshal(data []byte, v any) error
}

// Func adapts a pair of encode/decode functions to a Codec.
type Func struct {
	Name   string
	Encode func(v any) ([]byte, error)
	Decode func(data []byte, v any) error
}

func (f Func) Kind() string { return f.Name }

func (f Func) Marshal(v any) ([]byte, error) {
	if f.Encode == nil {
		return nil, fmt.Errorf("codec %q: no encode function", f.Name)
	}
	return f.Encode(v)
}

func (f Func) Unmarshal(data []byte, v any) error {
	if f.Decode == nil {
		return fmt.Errorf("codec %q: no decode function", f.Name)
	}
	return f.Decode(data, v)
}

// Registry manages codec registration and lookup with thread safety.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a new codec registry instance.
func NewRegistry() *Registry {
	return &Registry{
		codecs: make(map[string]Codec),
	}
}

// Register adds a codec to the registry using its Kind() as the key.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Kind()] = c
}

// Get retrieves a codec by its kind identifier.
func (r *Registry) Get(kind string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind]
	return c, ok
}

// Kinds returns all registered codec kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.codecs))
	for kind := range r.codecs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultRegistry holds the built-in codecs.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register(JSON{})
	DefaultRegistry.Register(CBOR{})
}

// Register is a convenience function that registers a codec with the default registry.
func Register(c Codec) {
	DefaultRegistry.Register(c)
}

// Lookup returns the codec registered under kind in the default registry. An
// empty kind selects JSON.
func Lookup(kind string) (Codec, error) {
	if kind == "" {
		return JSON{}, nil
	}
	c, ok := DefaultRegistry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (registered: %v)", kind, DefaultRegistry.Kinds())
	}
	return c, nil
}
