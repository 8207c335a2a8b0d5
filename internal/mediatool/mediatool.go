// Package mediatool defines the opaque media tool and content classifier
// contracts. Actual codec invocations live behind these interfaces outside
// this repository; the pipeline cares only about refs, options and error
// classification.
package mediatool

import (
	"context"
)

// Operations the pipeline invokes on the media tool.
const (
	OpDemuxMerge    = "demux_merge"
	OpConvert       = "convert"
	OpExtractAudio  = "extract_audio"
	OpSegmentAudio  = "segment_silence"
	OpExtractClips  = "extract_clips"
)

// Options carries operation parameters (codec, thresholds, time ranges).
type Options map[string]string

// Result is a successful media tool invocation.
type Result struct {
	OutputRef string
	Metrics   map[string]float64
}

// Tool invokes one media operation synchronously. Implementations classify
// failures with the errors package taxonomy: transient for tool crashes and
// resource exhaustion, permanent for unsupported or corrupt input.
type Tool interface {
	Invoke(ctx context.Context, operation string, inputRef, outputRef string, opts Options) (*Result, error)
}

// Suggestion is one content-analysis proposal for a final segment.
type Suggestion struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
}

// Classifier is the opaque content analysis collaborator. It consumes the
// transcript and the silence segmentation and returns structured clip
// suggestions.
type Classifier interface {
	Analyze(ctx context.Context, transcriptRef string, segmentsJSON string) ([]Suggestion, error)
}
