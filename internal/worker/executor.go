package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hibiken/asynq"

	"github.com/clipforge/clipforge/internal/blobstore"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/errors"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/mediatool"
	"github.com/clipforge/clipforge/internal/recognition"
	"github.com/clipforge/clipforge/internal/stages"
)

// errCanceled aborts the pipeline when the cooperative cancel flag is set.
var errCanceled = stderrors.New("cancellation requested")

// ProcessParams is the caller-supplied payload of a process work unit.
type ProcessParams struct {
	SourceURL string            `json:"source_url"`
	Options   map[string]string `json:"options,omitempty"`
}

// ProgressPublisher is the coalesced publish side of the broadcast service.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev events.ProgressEvent) error
	Forget(targetID string)
}

// Recognizer submits audio for asynchronous speech recognition.
type Recognizer interface {
	Submit(ctx context.Context, workUnitID, audioRef string) (string, error)
}

// SourceFetcher pulls the source media during the transfer stage.
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceURL string) (io.ReadCloser, error)
}

// HTTPFetcher fetches sources over HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds a fetcher with a generous transfer timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Minute}}
}

// Fetch implements SourceFetcher. Server-side failures are transient, client
// errors permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, errors.NewPermanent(fmt.Sprintf("invalid source url %s", sourceURL), err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errors.NewTransient("source fetch failed", err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, errors.NewTransient(fmt.Sprintf("source returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, errors.NewPermanent(fmt.Sprintf("source returned %d", resp.StatusCode), nil)
	}
	return resp.Body, nil
}

// Executor runs the stage pipeline for one work unit at a time. The first
// half (transfer through recognition submit) runs under a queue consumer
// slot; the unit then parks and the second half (analyze, extract clips)
// resumes from the poller once the recognition callback lands.
type Executor struct {
	store       *Store
	recognizer  Recognizer
	tool        mediatool.Tool
	classifier  mediatool.Classifier
	blobs       blobstore.Store
	fetcher     SourceFetcher
	publisher   ProgressPublisher
	dispatcher  Dispatcher
	maxAttempts int
	logger      hclog.Logger
}

// NewExecutor wires the pipeline collaborators.
func NewExecutor(store *Store, recognizer Recognizer, tool mediatool.Tool, classifier mediatool.Classifier,
	blobs blobstore.Store, fetcher SourceFetcher, publisher ProgressPublisher, dispatcher Dispatcher,
	maxAttempts int, logger hclog.Logger) *Executor {
	return &Executor{
		store:       store,
		recognizer:  recognizer,
		tool:        tool,
		classifier:  classifier,
		blobs:       blobs,
		fetcher:     fetcher,
		publisher:   publisher,
		dispatcher:  dispatcher,
		maxAttempts: maxAttempts,
		logger:      logger.Named("executor"),
	}
}

// Process claims the unit and runs the pipeline up to the recognition park
// point. A nil return releases the queue slot; a non-nil return asks the
// queue to redeliver after backoff.
func (e *Executor) Process(ctx context.Context, workUnitID string) (err error) {
	unit, claimErr := e.store.Claim(ctx, workUnitID)
	if errors.IsConflict(claimErr) {
		e.logger.Debug("work unit not claimable, skipping", "work_unit_id", workUnitID)
		return nil
	}
	if claimErr != nil {
		return claimErr
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline panic", "work_unit_id", unit.ID, "panic", r)
			err = e.handleFailure(ctx, unit,
				errors.NewInternalError(fmt.Sprintf("pipeline panic: %v", r), nil), false)
		}
	}()

	e.logger.Info("pipeline attempt started",
		"work_unit_id", unit.ID, "target_id", unit.TargetID, "attempt", unit.Attempts)
	e.publishUnit(ctx, unit)

	if runErr := e.runToPark(ctx, unit); runErr != nil {
		return e.handleFailure(ctx, unit, runErr, false)
	}
	return nil
}

// runToPark executes transfer through the recognition submission.
func (e *Executor) runToPark(ctx context.Context, unit *database.WorkUnit) error {
	var params ProcessParams
	if err := json.Unmarshal([]byte(unit.Params), &params); err != nil {
		return errors.NewPermanent("malformed work unit params", err)
	}
	if params.SourceURL == "" {
		return errors.NewPermanent("work unit params missing source_url", nil)
	}

	// transfer
	if err := e.checkCancel(ctx, unit); err != nil {
		return err
	}
	if err := e.progress(ctx, unit, stages.StageTransfer, 0, "transferring source"); err != nil {
		return err
	}
	body, err := e.fetcher.Fetch(ctx, params.SourceURL)
	if err != nil {
		return err
	}
	sourceRef, err := e.blobs.Put(ctx, "source/"+unit.ID, body)
	body.Close()
	if err != nil {
		return errors.NewTransient("failed to store source", err)
	}
	if err := e.setArtifact(ctx, unit, "source_ref", sourceRef); err != nil {
		return err
	}
	unit.SourceRef = sourceRef
	if err := e.progress(ctx, unit, stages.StageTransfer, 100, "source transferred"); err != nil {
		return err
	}

	// merge
	mergedRef, err := e.toolStage(ctx, unit, stages.StageMerge, mediatool.OpDemuxMerge,
		unit.SourceRef, "merged/"+unit.ID, "merged_ref", params.Options)
	if err != nil {
		return err
	}
	unit.MergedRef = mergedRef

	// convert
	convertedRef, err := e.toolStage(ctx, unit, stages.StageConvert, mediatool.OpConvert,
		unit.MergedRef, "converted/"+unit.ID, "converted_ref", params.Options)
	if err != nil {
		return err
	}
	unit.ConvertedRef = convertedRef

	// extract audio
	audioRef, err := e.toolStage(ctx, unit, stages.StageExtractAudio, mediatool.OpExtractAudio,
		unit.ConvertedRef, "audio/"+unit.ID, "audio_ref", params.Options)
	if err != nil {
		return err
	}
	unit.AudioRef = audioRef

	// segment on silence
	if err := e.checkCancel(ctx, unit); err != nil {
		return err
	}
	if err := e.progress(ctx, unit, stages.StageSegment, 0, "segmenting audio"); err != nil {
		return err
	}
	segRes, err := e.tool.Invoke(ctx, mediatool.OpSegmentAudio, unit.AudioRef, "segments/"+unit.ID, params.Options)
	if err != nil {
		return err
	}
	segmentsJSON, err := e.readBlobString(ctx, segRes.OutputRef)
	if err != nil {
		return errors.NewTransient("failed to read segmentation output", err)
	}
	if err := e.setArtifact(ctx, unit, "segments_json", segmentsJSON); err != nil {
		return err
	}
	unit.SegmentsJSON = segmentsJSON
	if err := e.progress(ctx, unit, stages.StageSegment, 100, "audio segmented"); err != nil {
		return err
	}

	// submit for recognition and park
	if err := e.checkCancel(ctx, unit); err != nil {
		return err
	}
	if err := e.progress(ctx, unit, stages.StageRecognize, 0, "submitting for recognition"); err != nil {
		return err
	}
	corrID, err := e.recognizer.Submit(ctx, unit.ID, unit.AudioRef)
	if err != nil {
		return err
	}

	// The unit stays running at the recognize stage; the queue slot is
	// released and the poller resumes the pipeline once the callback lands.
	e.logger.Info("work unit parked awaiting recognition",
		"work_unit_id", unit.ID, "correlation_id", corrID)
	return nil
}

// Resume continues a parked unit after its recognition result was consumed.
func (e *Executor) Resume(ctx context.Context, workUnitID string, payload recognition.CallbackPayload) error {
	unit, err := e.store.Get(ctx, workUnitID)
	if err != nil {
		return err
	}
	if unit.Status != database.StatusRunning || unit.Stage != stages.StageRecognize {
		e.logger.Warn("stale resume ignored",
			"work_unit_id", workUnitID, "status", unit.Status, "stage", unit.Stage)
		return nil
	}

	if !payload.Ok() {
		return e.handleFailure(ctx, unit,
			errors.NewPermanent("recognition failed: "+payload.Error, nil), true)
	}

	if err := e.runFromTranscript(ctx, unit, payload.ResultRef); err != nil {
		return e.handleFailure(ctx, unit, err, true)
	}
	return nil
}

// runFromTranscript executes analyze and clip extraction, then finalizes.
func (e *Executor) runFromTranscript(ctx context.Context, unit *database.WorkUnit, transcriptRef string) error {
	var params ProcessParams
	if err := json.Unmarshal([]byte(unit.Params), &params); err != nil {
		return errors.NewPermanent("malformed work unit params", err)
	}

	if err := e.setArtifact(ctx, unit, "transcript_ref", transcriptRef); err != nil {
		return err
	}
	unit.TranscriptRef = transcriptRef
	if err := e.progress(ctx, unit, stages.StageRecognize, 100, "transcript received"); err != nil {
		return err
	}

	// analyze
	if err := e.checkCancel(ctx, unit); err != nil {
		return err
	}
	if err := e.progress(ctx, unit, stages.StageAnalyze, 0, "analyzing content"); err != nil {
		return err
	}
	suggestions, err := e.classifier.Analyze(ctx, unit.TranscriptRef, unit.SegmentsJSON)
	if err != nil {
		return err
	}
	analysisJSON, err := json.Marshal(suggestions)
	if err != nil {
		return errors.NewInternalError("failed to encode analysis", err)
	}
	if err := e.setArtifact(ctx, unit, "analysis_json", string(analysisJSON)); err != nil {
		return err
	}
	unit.AnalysisJSON = string(analysisJSON)
	if err := e.progress(ctx, unit, stages.StageAnalyze, 100, "content analyzed"); err != nil {
		return err
	}

	// extract clips
	if err := e.checkCancel(ctx, unit); err != nil {
		return err
	}
	if err := e.progress(ctx, unit, stages.StageExtractClips, 0, "extracting clips"); err != nil {
		return err
	}
	opts := mediatool.Options{"analysis": unit.AnalysisJSON}
	for k, v := range params.Options {
		opts[k] = v
	}
	clipRes, err := e.tool.Invoke(ctx, mediatool.OpExtractClips, unit.ConvertedRef, "clips/"+unit.ID, opts)
	if err != nil {
		return err
	}

	final, err := e.store.MarkSuccess(ctx, unit.ID, clipRes.OutputRef)
	if err != nil {
		return err
	}
	e.publishUnit(ctx, final)
	e.publisher.Forget(final.TargetID)
	e.logger.Info("pipeline completed",
		"work_unit_id", final.ID, "target_id", final.TargetID, "result_refs", final.ResultRefs)
	return nil
}

// toolStage runs one full-stage media tool invocation with cancel check and
// progress bracketing.
func (e *Executor) toolStage(ctx context.Context, unit *database.WorkUnit, stageName, operation,
	inputRef, outputKey, artifactColumn string, opts map[string]string) (string, error) {
	if err := e.checkCancel(ctx, unit); err != nil {
		return "", err
	}
	if err := e.progress(ctx, unit, stageName, 0, stageName+" started"); err != nil {
		return "", err
	}
	res, err := e.tool.Invoke(ctx, operation, inputRef, outputKey, mediatool.Options(opts))
	if err != nil {
		return "", err
	}
	if err := e.setArtifact(ctx, unit, artifactColumn, res.OutputRef); err != nil {
		return "", err
	}
	if err := e.progress(ctx, unit, stageName, 100, stageName+" completed"); err != nil {
		return "", err
	}
	return res.OutputRef, nil
}

// handleFailure routes a pipeline error through the retry taxonomy.
// redispatch selects the poller path, where a retry needs a fresh queue task
// instead of a queue redelivery.
func (e *Executor) handleFailure(ctx context.Context, unit *database.WorkUnit, cause error, redispatch bool) error {
	if errors.IsConflict(cause) {
		e.logger.Debug("lost work unit race", "work_unit_id", unit.ID, "error", cause)
		return nil
	}

	if stderrors.Is(cause, errCanceled) {
		return e.finalizeFailure(ctx, unit, "canceled by request")
	}

	class := errors.ClassOf(cause)
	if class == errors.ClassTransient && unit.Attempts < e.maxAttempts {
		retried, err := e.store.MarkRetry(ctx, unit.ID, cause.Error())
		if err != nil {
			e.logger.Error("failed to mark retry", "work_unit_id", unit.ID, "error", err)
			return cause
		}
		e.publishUnit(ctx, retried)
		e.logger.Warn("pipeline attempt failed, will retry",
			"work_unit_id", unit.ID, "attempt", unit.Attempts, "max_attempts", e.maxAttempts, "error", cause)
		if redispatch {
			return e.dispatcher.DispatchProcess(ctx, unit.ID)
		}
		return cause
	}

	message := cause.Error()
	if class == errors.ClassTransient {
		message = fmt.Sprintf("retries exhausted after %d attempts: %s", unit.Attempts, message)
	}
	if err := e.finalizeFailure(ctx, unit, message); err != nil {
		return err
	}
	if redispatch {
		return nil
	}
	// Terminal failure must not be redelivered by the queue.
	return fmt.Errorf("%s: %w", message, asynq.SkipRetry)
}

func (e *Executor) finalizeFailure(ctx context.Context, unit *database.WorkUnit, message string) error {
	failed, err := e.store.MarkFailure(ctx, unit.ID, message)
	if errors.IsConflict(err) {
		return nil
	}
	if err != nil {
		return err
	}
	e.publishUnit(ctx, failed)
	e.publisher.Forget(failed.TargetID)
	e.logger.Error("pipeline failed",
		"work_unit_id", failed.ID, "target_id", failed.TargetID, "message", message)
	return nil
}

// checkCancel honors the cooperative cancel flag at stage boundaries.
func (e *Executor) checkCancel(ctx context.Context, unit *database.WorkUnit) error {
	if err := ctx.Err(); err != nil {
		return errors.NewTransient("execution context canceled", err)
	}
	requested, err := e.store.CancelRequested(ctx, unit.ID)
	if err != nil {
		return err
	}
	if requested {
		return errCanceled
	}
	return nil
}

func (e *Executor) progress(ctx context.Context, unit *database.WorkUnit, stageName string, local float64, message string) error {
	updated, err := e.store.AdvanceStage(ctx, unit.ID, stageName, local, message)
	if err != nil {
		return err
	}
	*unit = *updated
	e.publishUnit(ctx, unit)
	return nil
}

func (e *Executor) setArtifact(ctx context.Context, unit *database.WorkUnit, column string, value string) error {
	return e.store.SetArtifacts(ctx, unit.ID, map[string]interface{}{column: value})
}

func (e *Executor) publishUnit(ctx context.Context, unit *database.WorkUnit) {
	ev := events.ProgressEvent{
		TargetID:   unit.TargetID,
		WorkUnitID: unit.ID,
		OwnerID:    unit.OwnerID,
		Kind:       unit.Kind,
		Stage:      unit.Stage,
		Progress:   unit.Progress,
		Message:    unit.Message,
		Status:     string(unit.Status),
		Attempt:    unit.Attempts,
		Timestamp:  time.Now(),
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("progress publish failed", "work_unit_id", unit.ID, "error", err)
	}
}

func (e *Executor) readBlobString(ctx context.Context, ref string) (string, error) {
	rc, err := e.blobs.Open(ctx, ref)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
