package mediatool

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/blobstore"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/errors"
)

// ExecTool drives the external media tool binary. One invocation is:
//
//	<binary> <operation> --input <file> --output <file> [--opt key=value ...]
//
// Input blobs are materialized into the work directory, the output file is
// uploaded back to the blob store. Exit code 2 means the input itself is
// unusable; every other failure is worth retrying.
type ExecTool struct {
	binary  string
	workDir string
	timeout time.Duration
	blobs   blobstore.Store
	logger  hclog.Logger
}

// NewExecTool builds the tool runner.
func NewExecTool(cfg config.MediatoolConfig, blobs blobstore.Store, logger hclog.Logger) (*ExecTool, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create mediatool work dir: %w", err)
	}
	return &ExecTool{
		binary:  cfg.Binary,
		workDir: cfg.WorkDir,
		timeout: cfg.InvokeTimeout,
		blobs:   blobs,
		logger:  logger.Named("mediatool"),
	}, nil
}

// Invoke implements Tool.
func (t *ExecTool) Invoke(ctx context.Context, operation, inputRef, outputRef string, opts Options) (*Result, error) {
	runDir, err := os.MkdirTemp(t.workDir, operation+"-*")
	if err != nil {
		return nil, errors.NewTransient("failed to create tool run dir", err)
	}
	defer os.RemoveAll(runDir)

	inputPath := filepath.Join(runDir, "input")
	if err := t.materialize(ctx, inputRef, inputPath); err != nil {
		return nil, err
	}
	outputPath := filepath.Join(runDir, "output")

	args := []string{operation, "--input", inputPath, "--output", outputPath}
	for k, v := range opts {
		args = append(args, "--opt", k+"="+v)
	}

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, t.binary, args...)
	cmd.Stderr = &stderr

	started := time.Now()
	stdout, err := cmd.Output()
	if err != nil {
		return nil, t.classifyRunError(operation, err, stderr.String())
	}
	t.logger.Debug("tool operation finished",
		"operation", operation, "duration", time.Since(started))

	ref, err := t.upload(ctx, outputRef, outputPath)
	if err != nil {
		return nil, err
	}

	res := &Result{OutputRef: ref}
	// The tool optionally reports metrics as JSON on stdout.
	if len(bytes.TrimSpace(stdout)) > 0 {
		var metrics map[string]float64
		if err := json.Unmarshal(stdout, &metrics); err == nil {
			res.Metrics = metrics
		}
	}
	return res, nil
}

func (t *ExecTool) materialize(ctx context.Context, ref, path string) error {
	rc, err := t.blobs.Open(ctx, ref)
	if err != nil {
		return errors.NewPermanent(fmt.Sprintf("input blob %s not readable", ref), err)
	}
	defer rc.Close()

	file, err := os.Create(path)
	if err != nil {
		return errors.NewTransient("failed to materialize input", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, rc); err != nil {
		return errors.NewTransient("failed to materialize input", err)
	}
	return nil
}

func (t *ExecTool) upload(ctx context.Context, key, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.NewTransient("tool produced no output file", err)
	}
	defer file.Close()

	ref, err := t.blobs.Put(ctx, key, file)
	if err != nil {
		return "", errors.NewTransient("failed to store tool output", err)
	}
	return ref, nil
}

func (t *ExecTool) classifyRunError(operation string, err error, stderr string) error {
	detail := stderr
	if len(detail) > 500 {
		detail = detail[:500]
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
		return errors.NewPermanent(
			fmt.Sprintf("%s rejected input: %s", operation, detail), err)
	}
	return errors.NewTransient(
		fmt.Sprintf("%s failed: %s", operation, detail), err)
}
