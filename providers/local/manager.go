package local

import (
	"context"
	"sync"

	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/logger"
)

// Residency event names published through the sink.
const (
	EventModelLoaded   = "model.loaded"
	EventModelUnloaded = "model.unloaded"
)

// EventSink receives residency change notifications. The fan-out bus adapts
// to this.
type EventSink func(eventType, modelName string, data map[string]any)

// Manager bounds resident local models by available VRAM. Residency order is
// insertion order; eviction removes the oldest, access promotes to the tail.
type Manager struct {
	mu       sync.Mutex
	monitor  *gpu.Monitor
	sink     EventSink
	resident []*Provider
}

// NewManager creates a residency manager. The monitor may be nil; capacity
// checks are then skipped entirely. The sink may be nil.
func NewManager(monitor *gpu.Monitor, sink EventSink) *Manager {
	return &Manager{monitor: monitor, sink: sink}
}

func (m *Manager) emit(eventType string, p *Provider, data map[string]any) {
	if m.sink == nil {
		return
	}
	m.sink(eventType, p.Name(), data)
}

func (m *Manager) indexOf(p *Provider) int {
	for i, r := range m.resident {
		if r == p {
			return i
		}
	}
	return -1
}

// EnsureLoaded makes p resident, evicting oldest models while VRAM is short.
// Already-resident models are promoted to the tail.
func (m *Manager) EnsureLoaded(ctx context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexOf(p); i >= 0 {
		m.resident = append(append(m.resident[:i:i], m.resident[i+1:]...), p)
		return nil
	}

	if err := m.makeRoomLocked(ctx, p); err != nil {
		return err
	}
	if err := p.LoadModel(ctx); err != nil {
		return err
	}
	m.resident = append(m.resident, p)
	m.emit(EventModelLoaded, p, map[string]any{"required_vram_mb": p.RequiredVRAMMB()})
	return nil
}

// makeRoomLocked evicts oldest residents until requiredMB fits. An empty
// resident set with VRAM still short is not an error; the load proceeds and
// the inference server may swap.
func (m *Manager) makeRoomLocked(ctx context.Context, incoming *Provider) error {
	requiredMB := incoming.RequiredVRAMMB()
	if m.monitor == nil || requiredMB == 0 {
		return nil
	}

	for {
		ok, err := m.monitor.CanAllocate(ctx, requiredMB)
		if err != nil {
			logger.Warn("vram check failed, loading without eviction", "model", incoming.Name(), "error", err)
			return nil
		}
		if ok {
			return nil
		}
		if len(m.resident) == 0 {
			logger.Warn("insufficient vram with no models to evict, proceeding",
				"model", incoming.Name(), "required_mb", requiredMB)
			return nil
		}

		victim := m.resident[0]
		m.resident = m.resident[1:]
		if err := victim.UnloadModel(ctx); err != nil {
			logger.Warn("eviction unload failed", "model", victim.Name(), "error", err)
		}
		m.emit(EventModelUnloaded, victim, map[string]any{"reason": "evicted", "for_model": incoming.Name()})
	}
}

// Unload removes p from residency and unloads it.
func (m *Manager) Unload(ctx context.Context, p *Provider) error {
	m.mu.Lock()
	if i := m.indexOf(p); i >= 0 {
		m.resident = append(m.resident[:i:i], m.resident[i+1:]...)
	}
	m.mu.Unlock()

	if err := p.UnloadModel(ctx); err != nil {
		return err
	}
	m.emit(EventModelUnloaded, p, map[string]any{"reason": "requested"})
	return nil
}

// Resident returns resident model names in eviction order.
func (m *Manager) Resident() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.resident))
	for i, p := range m.resident {
		names[i] = p.Name()
	}
	return names
}
