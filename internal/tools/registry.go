package tools

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type entry struct {
	spec   Spec
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry maps tool names to their specs. Tools are registered once at
// startup; after Seal the registry is read-only and lookups take no lock.
type Registry struct {
	mu      sync.Mutex
	sealed  atomic.Bool
	entries map[string]*entry
	order   []*entry
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register adds a tool. A duplicate name is a configuration error and leaves
// the registry unchanged.
func (r *Registry) Register(spec Spec) error {
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, spec.Name)
	}
	if err := checkSpec(spec); err != nil {
		return err
	}

	doc := schemaDoc(spec.Params)
	schema, err := compileSchema(spec.Name+".json", doc)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSpec, spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, spec.Name)
	}
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, spec.Name)
	}

	params := append([]Param(nil), spec.Params...)
	e := &entry{
		spec: spec,
		desc: Descriptor{
			Name:        spec.Name,
			Description: spec.Description,
			Capability:  spec.Capability,
			Params:      params,
			Schema:      doc,
		},
		schema: schema,
	}
	r.entries[spec.Name] = e
	r.order = append(r.order, e)
	return nil
}

// MustRegister registers every spec and panics on the first failure.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Seal freezes the registry. It is safe to call more than once.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

func (r *Registry) lookup(name string) (*entry, error) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return e, nil
}

// Lookup returns the registered spec for name.
func (r *Registry) Lookup(name string) (Spec, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Spec{}, err
	}
	return e.spec, nil
}

// List returns the catalog in registration order.
func (r *Registry) List() []Descriptor {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]Descriptor, len(r.order))
	for i, e := range r.order {
		out[i] = e.desc
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return len(r.order)
}

func checkSpec(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrInvalidSpec, spec.Name)
	}
	seen := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		if p.Name == "" {
			return fmt.Errorf("%w: %s: parameter without name", ErrInvalidSpec, spec.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s: duplicate parameter %q", ErrInvalidSpec, spec.Name, p.Name)
		}
		if !p.Type.valid() {
			return fmt.Errorf("%w: %s: parameter %q has unknown type %q", ErrInvalidSpec, spec.Name, p.Name, p.Type)
		}
		seen[p.Name] = true
	}
	return nil
}
