// Package stages defines the static pipeline stage table. Each stage owns a
// sub-range of the global 0-100 progress scale so that per-stage progress can
// be mapped onto a single client-visible percentage.
package stages

import (
	"fmt"
)

// Stage is one named pipeline phase with its global progress sub-range.
type Stage struct {
	Name            string  `json:"name"`
	Ordinal         int     `json:"ordinal"`
	ProgressFloor   float64 `json:"progress_floor"`
	ProgressCeiling float64 `json:"progress_ceiling"`
}

// Stage names for the process pipeline.
const (
	StageTransfer     = "transfer"
	StageMerge        = "merge"
	StageConvert      = "convert"
	StageExtractAudio = "extract_audio"
	StageSegment      = "segment"
	StageRecognize    = "recognize"
	StageAnalyze      = "analyze"
	StageExtractClips = "extract_clips"
)

// KindProcess is the full media processing pipeline kind.
const KindProcess = "process"

var processTable = []Stage{
	{Name: StageTransfer, Ordinal: 0, ProgressFloor: 0, ProgressCeiling: 20},
	{Name: StageMerge, Ordinal: 1, ProgressFloor: 20, ProgressCeiling: 30},
	{Name: StageConvert, Ordinal: 2, ProgressFloor: 30, ProgressCeiling: 45},
	{Name: StageExtractAudio, Ordinal: 3, ProgressFloor: 45, ProgressCeiling: 55},
	{Name: StageSegment, Ordinal: 4, ProgressFloor: 55, ProgressCeiling: 65},
	{Name: StageRecognize, Ordinal: 5, ProgressFloor: 65, ProgressCeiling: 85},
	{Name: StageAnalyze, Ordinal: 6, ProgressFloor: 85, ProgressCeiling: 95},
	{Name: StageExtractClips, Ordinal: 7, ProgressFloor: 95, ProgressCeiling: 100},
}

var processByName = func() map[string]Stage {
	m := make(map[string]Stage, len(processTable))
	for _, s := range processTable {
		m[s.Name] = s
	}
	return m
}()

// ForKind returns the ordered stage table for a work-unit kind.
func ForKind(kind string) ([]Stage, error) {
	if kind != KindProcess {
		return nil, fmt.Errorf("unknown work unit kind: %s", kind)
	}
	table := make([]Stage, len(processTable))
	copy(table, processTable)
	return table, nil
}

// ByName looks up a stage of the process pipeline by name.
func ByName(name string) (Stage, bool) {
	s, ok := processByName[name]
	return s, ok
}

// GlobalProgress maps a stage-local percentage (0-100) onto the global scale.
// Local values outside 0-100 are clamped.
func (s Stage) GlobalProgress(local float64) float64 {
	if local < 0 {
		local = 0
	}
	if local > 100 {
		local = 100
	}
	return s.ProgressFloor + (local/100)*(s.ProgressCeiling-s.ProgressFloor)
}

// Precedes reports whether s comes before other in pipeline order.
func (s Stage) Precedes(other Stage) bool {
	return s.Ordinal < other.Ordinal
}

// ValidateAdvance checks that moving from the current stage name (empty for a
// fresh attempt) to target does not go backward in the pipeline.
func ValidateAdvance(current string, target Stage) error {
	if current == "" {
		return nil
	}
	cur, ok := ByName(current)
	if !ok {
		return fmt.Errorf("unknown current stage: %s", current)
	}
	if target.Ordinal < cur.Ordinal {
		return fmt.Errorf("stage %s precedes current stage %s", target.Name, current)
	}
	return nil
}
