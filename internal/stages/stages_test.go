package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForKindOrdered(t *testing.T) {
	table, err := ForKind(KindProcess)
	require.NoError(t, err)
	require.NotEmpty(t, table)

	for i, s := range table {
		assert.Equal(t, i, s.Ordinal)
		if i > 0 {
			assert.Equal(t, table[i-1].ProgressCeiling, s.ProgressFloor,
				"stage sub-ranges must be contiguous")
		}
	}
	assert.Equal(t, float64(0), table[0].ProgressFloor)
	assert.Equal(t, float64(100), table[len(table)-1].ProgressCeiling)
}

func TestForKindUnknown(t *testing.T) {
	_, err := ForKind("bogus")
	assert.Error(t, err)
}

func TestGlobalProgress(t *testing.T) {
	s, ok := ByName(StageRecognize)
	require.True(t, ok)

	assert.Equal(t, s.ProgressFloor, s.GlobalProgress(0))
	assert.Equal(t, s.ProgressCeiling, s.GlobalProgress(100))
	assert.Equal(t, 75.0, s.GlobalProgress(50))

	// Out-of-range local progress is clamped, not propagated.
	assert.Equal(t, s.ProgressFloor, s.GlobalProgress(-5))
	assert.Equal(t, s.ProgressCeiling, s.GlobalProgress(250))
}

func TestValidateAdvance(t *testing.T) {
	merge, _ := ByName(StageMerge)
	transfer, _ := ByName(StageTransfer)

	assert.NoError(t, ValidateAdvance("", transfer), "fresh attempt may enter any stage")
	assert.NoError(t, ValidateAdvance(StageTransfer, merge))
	assert.NoError(t, ValidateAdvance(StageMerge, merge), "re-entering the current stage is allowed")
	assert.Error(t, ValidateAdvance(StageMerge, transfer), "backward moves are rejected")
	assert.Error(t, ValidateAdvance("nonsense", merge))
}
