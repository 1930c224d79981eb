// Package presets loads the declarative model catalog and provides
// quantization-based VRAM estimation for local models.
package presets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/providers"
)

// Preset is one declarative catalog record describing how to construct a
// provider.
type Preset struct {
	Name            string `yaml:"name"`
	Kind            string `yaml:"kind"`
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url,omitempty"`
	APIKeyEnv       string `yaml:"api_key_env,omitempty"`
	ContextWindow   int    `yaml:"context_window,omitempty"`
	MaxOutputTokens int    `yaml:"max_output_tokens,omitempty"`
	// ParamsB is the model size in billions of parameters, used for VRAM
	// estimation when no explicit requirement is listed.
	ParamsB        float64        `yaml:"params_b,omitempty"`
	Quantization   string         `yaml:"quantization,omitempty"`
	VRAMMB         map[string]int `yaml:"vram_mb,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty"`
	Defaults       PresetDefaults `yaml:"defaults,omitempty"`
	Extra          map[string]any `yaml:"extra,omitempty"`
}

// PresetDefaults holds fallback sampling parameters.
type PresetDefaults struct {
	Temperature float64 `yaml:"temperature,omitempty"`
	TopP        float64 `yaml:"top_p,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// Catalog is the preset registry consulted on lazy provider resolution.
// Explicit object, passed by reference; safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	presets map[string]Preset
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{presets: make(map[string]Preset)}
}

// Add inserts or replaces a preset. Invalid records are rejected.
func (c *Catalog) Add(p Preset) error {
	if p.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	if p.Kind == "" {
		return fmt.Errorf("preset %q: kind is required", p.Name)
	}
	if p.Quantization == "" && p.Kind == providers.KindLocal {
		p.Quantization = ParseQuantization(p.Model)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.presets[p.Name] = p
	return nil
}

// Get returns the raw preset record.
func (c *Catalog) Get(name string) (Preset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.presets[name]
	return p, ok
}

// Names returns all preset names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.presets))
	for name := range c.presets {
		names = append(names, name)
	}
	return names
}

// LoadDir loads every .yaml/.yml file in dir into the catalog. A missing
// directory is not an error; the catalog just stays as-is.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("preset directory absent, skipping", "dir", dir)
			return nil
		}
		return fmt.Errorf("failed to read preset directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		n, err := c.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		loaded += n
	}
	logger.Info("preset catalog loaded", "dir", dir, "presets", loaded)
	return nil
}

// LoadFile loads one preset file. The file holds either a top-level
// `presets:` list or a single preset document.
func (c *Catalog) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read preset file %s: %w", path, err)
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse preset file %s: %w", path, err)
	}
	if len(file.Presets) == 0 {
		var single Preset
		if err := yaml.Unmarshal(data, &single); err != nil {
			return 0, fmt.Errorf("failed to parse preset file %s: %w", path, err)
		}
		if single.Name == "" {
			return 0, nil
		}
		file.Presets = []Preset{single}
	}

	for _, p := range file.Presets {
		if err := c.Add(p); err != nil {
			return 0, fmt.Errorf("preset file %s: %w", path, err)
		}
	}
	return len(file.Presets), nil
}

// RegisterDefaults seeds the catalog with built-in cloud presets. Existing
// entries with the same name are preserved.
func (c *Catalog) RegisterDefaults(openAIBaseURL, anthropicBaseURL string) {
	defaults := []Preset{
		{
			Name: "gpt-4o", Kind: providers.KindOpenAI, Model: "gpt-4o",
			BaseURL: openAIBaseURL, ContextWindow: 128000, MaxOutputTokens: 16384,
			Defaults: PresetDefaults{Temperature: 0.7, TopP: 1.0, MaxTokens: 4096},
		},
		{
			Name: "gpt-4o-mini", Kind: providers.KindOpenAI, Model: "gpt-4o-mini",
			BaseURL: openAIBaseURL, ContextWindow: 128000, MaxOutputTokens: 16384,
			Defaults: PresetDefaults{Temperature: 0.7, TopP: 1.0, MaxTokens: 4096},
		},
		{
			Name: "claude-sonnet", Kind: providers.KindAnthropic, Model: "claude-sonnet-4-5",
			BaseURL: anthropicBaseURL, ContextWindow: 200000, MaxOutputTokens: 64000,
			Defaults: PresetDefaults{Temperature: 0.7, MaxTokens: 4096},
		},
		{
			Name: "claude-haiku", Kind: providers.KindAnthropic, Model: "claude-haiku-4-5",
			BaseURL: anthropicBaseURL, ContextWindow: 200000, MaxOutputTokens: 64000,
			Defaults: PresetDefaults{Temperature: 0.7, MaxTokens: 4096},
		},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range defaults {
		if _, exists := c.presets[p.Name]; !exists {
			c.presets[p.Name] = p
		}
	}
}

// RequiredVRAMMB returns the admission requirement for a preset: the listed
// per-quantization value when present, an estimate otherwise, 0 for cloud
// backends.
func (p Preset) RequiredVRAMMB() int {
	if p.Kind != providers.KindLocal {
		return 0
	}
	quant := strings.ToLower(p.Quantization)
	if quant == "" {
		quant = ParseQuantization(p.Model)
	}
	if mb, ok := p.VRAMMB[quant]; ok && mb > 0 {
		return mb
	}
	if p.ParamsB > 0 && quant != "" {
		if mb, err := EstimateVRAMMB(p.ParamsB, quant); err == nil {
			return mb
		}
	}
	return 0
}

// Spec converts the preset into a provider construction spec.
func (p Preset) Spec() providers.Spec {
	return providers.Spec{
		Name:            p.Name,
		Kind:            p.Kind,
		Model:           p.Model,
		BaseURL:         p.BaseURL,
		APIKeyEnv:       p.APIKeyEnv,
		ContextWindow:   p.ContextWindow,
		MaxOutputTokens: p.MaxOutputTokens,
		Defaults: providers.Defaults{
			Temperature: p.Defaults.Temperature,
			TopP:        p.Defaults.TopP,
			MaxTokens:   p.Defaults.MaxTokens,
		},
		HTTPTimeout:    time.Duration(p.TimeoutSeconds) * time.Second,
		RequiredVRAMMB: p.RequiredVRAMMB(),
		Extra:          p.Extra,
	}
}

// Resolve implements providers.SpecSource.
func (c *Catalog) Resolve(name string) (providers.Spec, bool) {
	p, ok := c.Get(name)
	if !ok {
		return providers.Spec{}, false
	}
	return p.Spec(), true
}
