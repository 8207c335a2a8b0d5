package mediatool

import (
	"context"
	"fmt"
	"sync"
)

// FakeTool is a scripted Tool for tests. Each operation returns a canned
// result or error; invocations are recorded in order.
type FakeTool struct {
	mu      sync.Mutex
	results map[string]*Result
	errs    map[string]error
	calls   []FakeCall
}

// FakeCall records one Invoke.
type FakeCall struct {
	Operation string
	InputRef  string
	OutputRef string
	Options   Options
}

// NewFakeTool creates an empty fake; unscripted operations succeed with the
// requested output ref.
func NewFakeTool() *FakeTool {
	return &FakeTool{
		results: make(map[string]*Result),
		errs:    make(map[string]error),
	}
}

// ScriptResult sets the result for an operation.
func (f *FakeTool) ScriptResult(operation string, res *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[operation] = res
}

// ScriptError makes an operation fail.
func (f *FakeTool) ScriptError(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[operation] = err
}

// Invoke implements Tool.
func (f *FakeTool) Invoke(ctx context.Context, operation, inputRef, outputRef string, opts Options) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Operation: operation, InputRef: inputRef, OutputRef: outputRef, Options: opts})

	if err, ok := f.errs[operation]; ok {
		return nil, err
	}
	if res, ok := f.results[operation]; ok {
		return res, nil
	}
	if inputRef == "" {
		return nil, fmt.Errorf("operation %s requires an input ref", operation)
	}
	return &Result{OutputRef: outputRef}, nil
}

// Calls returns the recorded invocations.
func (f *FakeTool) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// FakeClassifier is a scripted Classifier for tests.
type FakeClassifier struct {
	Suggestions []Suggestion
	Err         error
}

// Analyze implements Classifier.
func (f *FakeClassifier) Analyze(ctx context.Context, transcriptRef, segmentsJSON string) ([]Suggestion, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Suggestions, nil
}
