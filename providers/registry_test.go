package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSpecSource map[string]Spec

func (m mapSpecSource) Resolve(name string) (Spec, bool) {
	spec, ok := m[name]
	return spec, ok
}

func newTestRegistry(specs mapSpecSource) *Registry {
	r := NewRegistry(specs)
	r.RegisterFactory(KindEcho, NewEchoFactory())
	return r
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := newTestRegistry(nil)

	err := r.Register("echo-1", NewEchoProvider("echo-1"))
	require.NoError(t, err)

	p, err := r.Get("echo-1")
	require.NoError(t, err)
	assert.Equal(t, "echo-1", p.ModelInfo().Name)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := newTestRegistry(nil)

	require.NoError(t, r.Register("echo-1", NewEchoProvider("echo-1")))
	err := r.Register("echo-1", NewEchoProvider("echo-1"))
	assert.ErrorIs(t, err, ErrDuplicateProvider)
}

func TestRegistryGetNotRegistered(t *testing.T) {
	r := newTestRegistry(nil)

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryGetOrCreateFromPreset(t *testing.T) {
	specs := mapSpecSource{
		"echo-preset": {Name: "echo-preset", Kind: KindEcho},
	}
	r := newTestRegistry(specs)

	p, err := r.GetOrCreate("echo-preset")
	require.NoError(t, err)
	assert.Equal(t, "echo-preset", p.ModelInfo().Name)

	// Second call returns the same instance.
	p2, err := r.GetOrCreate("echo-preset")
	require.NoError(t, err)
	assert.Same(t, p, p2)
}

func TestRegistryGetOrCreateUnknownModel(t *testing.T) {
	r := newTestRegistry(mapSpecSource{})

	_, err := r.GetOrCreate("missing")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegistryGetOrCreateUnknownKind(t *testing.T) {
	specs := mapSpecSource{
		"weird": {Name: "weird", Kind: "quantum"},
	}
	r := newTestRegistry(specs)

	_, err := r.GetOrCreate("weird")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegistryResolvable(t *testing.T) {
	specs := mapSpecSource{
		"echo-preset": {Name: "echo-preset", Kind: KindEcho},
	}
	r := newTestRegistry(specs)
	require.NoError(t, r.Register("echo-direct", NewEchoProvider("echo-direct")))

	assert.True(t, r.Resolvable("echo-direct"))
	assert.True(t, r.Resolvable("echo-preset"))
	assert.False(t, r.Resolvable("missing"))
}

func TestRegistryUnregister(t *testing.T) {
	r := newTestRegistry(nil)
	require.NoError(t, r.Register("echo-1", NewEchoProvider("echo-1")))

	require.NoError(t, r.Unregister("echo-1", true))

	_, err := r.Get("echo-1")
	assert.ErrorIs(t, err, ErrNotRegistered)

	err = r.Unregister("echo-1", false)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryCreateFromSpec(t *testing.T) {
	r := newTestRegistry(nil)

	_, err := r.Create(Spec{Name: "echo-new", Kind: KindEcho})
	require.NoError(t, err)

	_, err = r.Create(Spec{Name: "echo-new", Kind: KindEcho})
	assert.ErrorIs(t, err, ErrDuplicateProvider)
}

func TestRegistryList(t *testing.T) {
	r := newTestRegistry(nil)
	require.NoError(t, r.Register("a", NewEchoProvider("a")))
	require.NoError(t, r.Register("b", NewEchoProvider("b")))

	assert.ElementsMatch(t, []string{"a", "b"}, r.List())
}

func TestRegistryHealthCheckAll(t *testing.T) {
	r := newTestRegistry(nil)
	require.NoError(t, r.Register("ok", NewEchoProvider("ok")))

	results := r.HealthCheckAll(context.Background())
	assert.True(t, results["ok"])
}

func TestRegistryCleanupAll(t *testing.T) {
	r := newTestRegistry(nil)
	require.NoError(t, r.Register("echo-1", NewEchoProvider("echo-1")))

	r.CleanupAll()
	assert.Empty(t, r.List())
}

func TestErrorCodeClassification(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrModelNotFound, "model_not_found"},
		{ErrNotRegistered, "model_not_found"},
		{ErrAuthentication, "provider_authentication"},
		{ErrUnavailable, "provider_unavailable"},
		{ErrTokenLimit, "token_limit_exceeded"},
		{ErrContextLength, "context_length_exceeded"},
		{ErrNotSupported, "not_supported"},
		{errors.New("anything else"), "generation_failed"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.code, ErrorCode(tc.err))
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.ErrorIs(t, ClassifyHTTPStatus("openai", 401, nil), ErrAuthentication)
	assert.ErrorIs(t, ClassifyHTTPStatus("openai", 403, nil), ErrAuthentication)
	assert.ErrorIs(t, ClassifyHTTPStatus("openai", 429, nil), ErrTokenLimit)
	assert.ErrorIs(t, ClassifyHTTPStatus("openai", 413, nil), ErrContextLength)
	assert.ErrorIs(t, ClassifyHTTPStatus("openai", 503, nil), ErrUnavailable)
	assert.ErrorIs(t, ClassifyHTTPStatus("openai", 400, nil), ErrGenerationFailed)
}
