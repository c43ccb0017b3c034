package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, args Args) (any, error) {
	return "ok", nil
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "zeta", Description: "last letter", Handler: noop}))
	require.NoError(t, r.Register(Spec{
		Name:        "add",
		Description: "add two integers",
		Capability:  "math",
		Params: []Param{
			{Name: "a", Type: TypeInteger, Required: true},
			{Name: "b", Type: TypeInteger, Required: true},
		},
		Handler: noop,
	}))
	require.NoError(t, r.Register(Spec{Name: "alpha", Handler: noop}))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "zeta", list[0].Name)
	assert.Equal(t, "add", list[1].Name)
	assert.Equal(t, "alpha", list[2].Name)

	assert.Equal(t, "math", list[1].Capability)
	assert.Equal(t, "add(a: integer, b: integer)", list[1].Signature())
	assert.Equal(t, false, list[1].Schema["additionalProperties"])
	assert.Equal(t, []any{"a", "b"}, list[1].Schema["required"])
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	first := Spec{Name: "echo", Description: "first", Handler: noop}
	require.NoError(t, r.Register(first))

	err := r.Register(Spec{Name: "echo", Description: "second", Handler: noop})
	require.ErrorIs(t, err, ErrDuplicateTool)

	assert.Equal(t, 1, r.Len())
	got, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Description)
}

func TestRegistry_InvalidSpec(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"empty name", Spec{Handler: noop}},
		{"nil handler", Spec{Name: "x"}},
		{"unnamed param", Spec{Name: "x", Handler: noop, Params: []Param{{Type: TypeString}}}},
		{"duplicate param", Spec{Name: "x", Handler: noop, Params: []Param{
			{Name: "p", Type: TypeString}, {Name: "p", Type: TypeInteger},
		}}},
		{"unknown type", Spec{Name: "x", Handler: noop, Params: []Param{{Name: "p", Type: "date"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			require.ErrorIs(t, r.Register(tt.spec), ErrInvalidSpec)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Spec{Name: "echo", Handler: noop})

	_, err := r.Lookup("echo")
	require.NoError(t, err)

	_, err = r.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_Seal(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Spec{Name: "echo", Handler: noop})
	r.Seal()
	r.Seal()

	assert.True(t, r.Sealed())
	require.ErrorIs(t, r.Register(Spec{Name: "late", Handler: noop}), ErrRegistrySealed)
	assert.Equal(t, 1, r.Len())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := r.Lookup("echo"); err != nil {
					t.Errorf("lookup failed: %v", err)
					return
				}
				_ = r.List()
			}
		}()
	}
	wg.Wait()
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.MustRegister(Spec{Name: "a", Handler: noop}, Spec{Name: "a", Handler: noop})
	})
}
