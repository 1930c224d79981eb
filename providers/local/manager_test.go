package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/providers"
)

// vramSim models device memory shared between the fake querier and the fake
// inference server: loading a model raises used VRAM, unloading lowers it.
type vramSim struct {
	mu      sync.Mutex
	totalMB int
	usedMB  int
	sizes   map[string]int
}

func (s *vramSim) Query(ctx context.Context, fields ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]string, len(fields))
	for i, field := range fields {
		switch field {
		case "memory.total":
			values[i] = strconv.Itoa(s.totalMB)
		case "memory.used":
			values[i] = strconv.Itoa(s.usedMB)
		case "memory.free":
			values[i] = strconv.Itoa(s.totalMB - s.usedMB)
		}
	}
	return values, nil
}

func (s *vramSim) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/generate" {
		w.Write([]byte(`{}`))
		return
	}
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	model, _ := body["model"].(string)
	s.mu.Lock()
	if ka, isLoad := body["keep_alive"].(string); isLoad && ka != "" {
		s.usedMB += s.sizes[model]
	} else {
		s.usedMB -= s.sizes[model]
	}
	s.mu.Unlock()
	w.Write([]byte(`{}`))
}

type managerFixture struct {
	manager *Manager
	sim     *vramSim
	baseURL string
	events  []string
}

func newManagerFixture(t *testing.T, totalMB, usedMB int) *managerFixture {
	t.Helper()
	f := &managerFixture{
		sim: &vramSim{totalMB: totalMB, usedMB: usedMB, sizes: make(map[string]int)},
	}
	server := httptest.NewServer(http.HandlerFunc(f.sim.handle))
	t.Cleanup(server.Close)
	f.baseURL = server.URL

	monitor := gpu.NewMonitor(f.sim, 100, 0)
	f.manager = NewManager(monitor, func(eventType, modelName string, data map[string]any) {
		f.events = append(f.events, eventType+":"+modelName)
	})
	return f
}

func (f *managerFixture) newModel(name string, vramMB int) *Provider {
	f.sim.mu.Lock()
	f.sim.sizes[name] = vramMB
	f.sim.mu.Unlock()

	return New(providers.Spec{
		Name:           name,
		Kind:           providers.KindLocal,
		Model:          name,
		BaseURL:        f.baseURL,
		RequiredVRAMMB: vramMB,
	}, f.manager)
}

func TestManagerLoadsAndTracksResidency(t *testing.T) {
	f := newManagerFixture(t, 16384, 0)
	a := f.newModel("model-a", 4000)

	require.NoError(t, f.manager.EnsureLoaded(context.Background(), a))
	assert.Equal(t, []string{"model-a"}, f.manager.Resident())
	assert.True(t, a.ModelInfo().Loaded)
	assert.Equal(t, []string{"model.loaded:model-a"}, f.events)
}

func TestManagerEvictsOldestUnderPressure(t *testing.T) {
	f := newManagerFixture(t, 16384, 0)
	ctx := context.Background()
	a := f.newModel("model-a", 7000)
	b := f.newModel("model-b", 7000)
	c := f.newModel("model-c", 7000)

	require.NoError(t, f.manager.EnsureLoaded(ctx, a))
	require.NoError(t, f.manager.EnsureLoaded(ctx, b))

	// Third model does not fit next to two residents; the oldest goes.
	require.NoError(t, f.manager.EnsureLoaded(ctx, c))
	assert.Equal(t, []string{"model-b", "model-c"}, f.manager.Resident())
	assert.False(t, a.ModelInfo().Loaded)
	assert.Contains(t, f.events, "model.unloaded:model-a")
}

func TestManagerAccessPromotesToTail(t *testing.T) {
	f := newManagerFixture(t, 32768, 0)
	ctx := context.Background()
	a := f.newModel("model-a", 4000)
	b := f.newModel("model-b", 4000)

	require.NoError(t, f.manager.EnsureLoaded(ctx, a))
	require.NoError(t, f.manager.EnsureLoaded(ctx, b))
	require.NoError(t, f.manager.EnsureLoaded(ctx, a))

	// a was accessed last, so b is now first in line for eviction.
	assert.Equal(t, []string{"model-b", "model-a"}, f.manager.Resident())
}

func TestManagerProceedsWhenNothingToEvict(t *testing.T) {
	f := newManagerFixture(t, 8192, 6000)
	huge := f.newModel("model-huge", 7000)

	// Nothing resident to evict; load proceeds anyway.
	require.NoError(t, f.manager.EnsureLoaded(context.Background(), huge))
	assert.Equal(t, []string{"model-huge"}, f.manager.Resident())
}

func TestManagerUnload(t *testing.T) {
	f := newManagerFixture(t, 16384, 0)
	ctx := context.Background()
	a := f.newModel("model-a", 4000)

	require.NoError(t, f.manager.EnsureLoaded(ctx, a))
	require.NoError(t, f.manager.Unload(ctx, a))
	assert.Empty(t, f.manager.Resident())
	assert.False(t, a.ModelInfo().Loaded)
	assert.Contains(t, f.events, "model.unloaded:model-a")
}
