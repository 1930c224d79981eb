package presets

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNoCompatibleQuantization reports that no known quantization of a model
// fits in the available VRAM.
var ErrNoCompatibleQuantization = errors.New("no compatible quantization fits in available VRAM")

// ErrUnknownQuantization reports a quantization label outside the coefficient
// table.
var ErrUnknownQuantization = errors.New("unknown quantization")

// vramSafetyMargin covers KV cache and runtime overhead on top of raw
// weights.
const vramSafetyMargin = 1.15

// quantCoefficients maps a quantization label to GB of weights per billion
// parameters.
var quantCoefficients = map[string]float64{
	"q2_k":   0.35,
	"q3_k_m": 0.45,
	"q4_k_m": 0.5,
	"q5_k_m": 0.6,
	"q6_k":   0.7,
	"q8_0":   0.9,
	"fp16":   2.0,
}

// compatibilityOrder lists candidate quantizations from lightest to densest.
var compatibilityOrder = []string{"q4_k_m", "q5_k_m", "q8_0", "fp16"}

// ParseQuantization extracts the quantization label from a GGUF filename,
// case-insensitively. Returns "" when no known token is present.
func ParseQuantization(filename string) string {
	lower := strings.ToLower(filename)
	// Longer tokens first so q3_k_m does not match as q3_k.
	for _, quant := range []string{"q3_k_m", "q4_k_m", "q5_k_m", "q2_k", "q6_k", "q8_0", "fp16", "f16"} {
		if strings.Contains(lower, quant) {
			if quant == "f16" {
				return "fp16"
			}
			return quant
		}
	}
	return ""
}

// EstimateVRAMMB estimates the VRAM a model needs, in MB, from its parameter
// count in billions and its quantization.
func EstimateVRAMMB(paramsB float64, quant string) (int, error) {
	coeff, ok := quantCoefficients[strings.ToLower(quant)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQuantization, quant)
	}
	gb := paramsB * coeff * vramSafetyMargin
	return int(math.Ceil(gb * 1024)), nil
}

// RecommendQuantization returns the densest quantization of a paramsB-sized
// model that fits within availableMB.
func RecommendQuantization(paramsB float64, availableMB int) (string, error) {
	best := ""
	for _, quant := range compatibilityOrder {
		required, err := EstimateVRAMMB(paramsB, quant)
		if err != nil {
			return "", err
		}
		if required <= availableMB {
			best = quant
		}
	}
	if best == "" {
		return "", ErrNoCompatibleQuantization
	}
	return best, nil
}

// CompatibilityResult is the outcome of checking a quantization against
// available VRAM.
type CompatibilityResult struct {
	Quantization string `json:"quantization"`
	RequiredMB   int    `json:"required_mb"`
	AvailableMB  int    `json:"available_mb"`
	Compatible   bool   `json:"compatible"`
	// Recommended is set when the requested quantization does not fit but a
	// lighter one does.
	Recommended string `json:"recommended,omitempty"`
}

// CheckCompatibility verifies whether the requested quantization fits and, if
// not, recommends the densest one that does.
func CheckCompatibility(paramsB float64, quant string, availableMB int) (CompatibilityResult, error) {
	required, err := EstimateVRAMMB(paramsB, quant)
	if err != nil {
		return CompatibilityResult{}, err
	}

	result := CompatibilityResult{
		Quantization: strings.ToLower(quant),
		RequiredMB:   required,
		AvailableMB:  availableMB,
		Compatible:   required <= availableMB,
	}
	if result.Compatible {
		return result, nil
	}

	recommended, err := RecommendQuantization(paramsB, availableMB)
	if err != nil {
		return result, err
	}
	result.Recommended = recommended
	return result, nil
}
