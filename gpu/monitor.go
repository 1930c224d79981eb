// Package gpu monitors VRAM on a single NVIDIA device and serializes access
// to it.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrGPUUnavailable reports that the GPU interface cannot be queried.
var ErrGPUUnavailable = errors.New("gpu unavailable")

// VRAMUsage is a point-in-time memory snapshot.
type VRAMUsage struct {
	TotalMB     int     `json:"total_mb"`
	UsedMB      int     `json:"used_mb"`
	FreeMB      int     `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// Info is the telemetry snapshot published on the monitor stream.
type Info struct {
	Name           string    `json:"name"`
	DriverVersion  string    `json:"driver_version"`
	CUDAVersion    string    `json:"cuda_version"`
	TemperatureC   int       `json:"temperature_c"`
	UtilizationPct int       `json:"utilization_pct"`
	VRAM           VRAMUsage `json:"vram"`
}

// Querier answers nvidia-smi style field queries. Injected so tests and
// GPU-less hosts can substitute a fake.
type Querier interface {
	Query(ctx context.Context, fields ...string) ([]string, error)
}

// SMIQuerier shells out to nvidia-smi for a single device index.
type SMIQuerier struct {
	Index int
}

// Query runs nvidia-smi --query-gpu for the requested fields and returns the
// values in order.
func (q SMIQuerier) Query(ctx context.Context, fields ...string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+strings.Join(fields, ","),
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(q.Index),
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: nvidia-smi failed: %w", ErrGPUUnavailable, err)
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return nil, fmt.Errorf("%w: nvidia-smi returned no output", ErrGPUUnavailable)
	}

	parts := strings.Split(line, ",")
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrGPUUnavailable, len(fields), len(parts))
	}
	values := make([]string, len(parts))
	for i, p := range parts {
		values[i] = strings.TrimSpace(p)
	}
	return values, nil
}

// Monitor computes admission headroom from raw device readings, applying the
// configured usage cap and reserve.
type Monitor struct {
	querier   Querier
	maxUsePct float64
	reserveMB int
}

// NewMonitor creates a monitor. maxUsagePercent caps how much of total VRAM
// the gateway may claim; reserveMB is held back on top of that.
func NewMonitor(querier Querier, maxUsagePercent float64, reserveMB int) *Monitor {
	return &Monitor{querier: querier, maxUsePct: maxUsagePercent, reserveMB: reserveMB}
}

// VRAMUsage returns the current memory snapshot.
func (m *Monitor) VRAMUsage(ctx context.Context) (VRAMUsage, error) {
	values, err := m.querier.Query(ctx, "memory.total", "memory.used", "memory.free")
	if err != nil {
		return VRAMUsage{}, err
	}

	total, err1 := strconv.Atoi(values[0])
	used, err2 := strconv.Atoi(values[1])
	free, err3 := strconv.Atoi(values[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return VRAMUsage{}, fmt.Errorf("%w: unparseable memory values %v", ErrGPUUnavailable, values)
	}

	usage := VRAMUsage{TotalMB: total, UsedMB: used, FreeMB: free}
	if total > 0 {
		usage.UsedPercent = float64(used) / float64(total) * 100
	}
	return usage, nil
}

// AvailableMB returns how much VRAM the gateway may still claim:
// floor(total * maxUsagePercent / 100 - used - reserve), clamped at 0.
func (m *Monitor) AvailableMB(ctx context.Context) (int, error) {
	usage, err := m.VRAMUsage(ctx)
	if err != nil {
		return 0, err
	}
	available := int(float64(usage.TotalMB)*m.maxUsePct/100) - usage.UsedMB - m.reserveMB
	if available < 0 {
		available = 0
	}
	return available, nil
}

// CanAllocate reports whether requiredMB fits in the current headroom.
func (m *Monitor) CanAllocate(ctx context.Context, requiredMB int) (bool, error) {
	available, err := m.AvailableMB(ctx)
	if err != nil {
		return false, err
	}
	return available >= requiredMB, nil
}

// Info returns the full telemetry snapshot.
func (m *Monitor) Info(ctx context.Context) (Info, error) {
	values, err := m.querier.Query(ctx,
		"name", "driver_version", "temperature.gpu", "utilization.gpu",
		"memory.total", "memory.used", "memory.free",
	)
	if err != nil {
		return Info{}, err
	}

	temp, _ := strconv.Atoi(values[2])
	util, _ := strconv.Atoi(values[3])
	total, _ := strconv.Atoi(values[4])
	used, _ := strconv.Atoi(values[5])
	free, _ := strconv.Atoi(values[6])

	info := Info{
		Name:           values[0],
		DriverVersion:  values[1],
		CUDAVersion:    cudaVersion(ctx),
		TemperatureC:   temp,
		UtilizationPct: util,
		VRAM:           VRAMUsage{TotalMB: total, UsedMB: used, FreeMB: free},
	}
	if total > 0 {
		info.VRAM.UsedPercent = float64(used) / float64(total) * 100
	}
	return info, nil
}

// cudaVersion is parsed from the nvidia-smi banner since --query-gpu has no
// cuda field. Best effort; empty on failure.
func cudaVersion(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "nvidia-smi").Output()
	if err != nil {
		return ""
	}
	const marker = "CUDA Version:"
	idx := strings.Index(string(out), marker)
	if idx < 0 {
		return ""
	}
	fields := strings.Fields(string(out)[idx+len(marker):])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
