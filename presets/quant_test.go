package presets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantization(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"llama-3.1-8b-instruct.Q4_K_M.gguf", "q4_k_m"},
		{"mistral-7b.q5_k_m.gguf", "q5_k_m"},
		{"phi-3-mini.Q8_0.gguf", "q8_0"},
		{"model.fp16.gguf", "fp16"},
		{"model.F16.gguf", "fp16"},
		{"tiny.q2_k.gguf", "q2_k"},
		{"mid.Q3_K_M.gguf", "q3_k_m"},
		{"big.q6_k.gguf", "q6_k"},
		{"plain-model.gguf", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseQuantization(tc.filename), tc.filename)
	}
}

func TestEstimateVRAMMB(t *testing.T) {
	// 8B at q4_k_m: 8 * 0.5 * 1.15 = 4.6 GB.
	mb, err := EstimateVRAMMB(8, "q4_k_m")
	require.NoError(t, err)
	assert.Equal(t, 4711, mb)

	// 7B at fp16: 7 * 2.0 * 1.15 = 16.1 GB.
	mb, err = EstimateVRAMMB(7, "FP16")
	require.NoError(t, err)
	assert.Equal(t, 16487, mb)

	_, err = EstimateVRAMMB(8, "q9_9")
	assert.ErrorIs(t, err, ErrUnknownQuantization)
}

func TestRecommendQuantizationPicksDensestFitting(t *testing.T) {
	// 8B model with 12 GB available: q8_0 (8*0.9*1.15 = 8.28 GB) fits,
	// fp16 (18.4 GB) does not.
	quant, err := RecommendQuantization(8, 12*1024)
	require.NoError(t, err)
	assert.Equal(t, "q8_0", quant)

	// Plenty of room: fp16 wins.
	quant, err = RecommendQuantization(8, 64*1024)
	require.NoError(t, err)
	assert.Equal(t, "fp16", quant)

	// Barely enough for the lightest variant.
	quant, err = RecommendQuantization(8, 5*1024)
	require.NoError(t, err)
	assert.Equal(t, "q4_k_m", quant)
}

func TestRecommendQuantizationNoneFits(t *testing.T) {
	_, err := RecommendQuantization(70, 4*1024)
	assert.ErrorIs(t, err, ErrNoCompatibleQuantization)
}

func TestCheckCompatibility(t *testing.T) {
	result, err := CheckCompatibility(8, "q4_k_m", 12*1024)
	require.NoError(t, err)
	assert.True(t, result.Compatible)
	assert.Empty(t, result.Recommended)

	result, err = CheckCompatibility(8, "fp16", 12*1024)
	require.NoError(t, err)
	assert.False(t, result.Compatible)
	assert.Equal(t, "q8_0", result.Recommended)

	_, err = CheckCompatibility(70, "fp16", 2*1024)
	assert.ErrorIs(t, err, ErrNoCompatibleQuantization)
}
