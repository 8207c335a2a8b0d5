package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassOf(NewTransient("upstream timeout", nil)))
	assert.Equal(t, ClassPermanent, ClassOf(NewPermanent("unsupported format", nil)))
	assert.Equal(t, ClassConflict, ClassOf(NewConflict("claim lost")))
	assert.Equal(t, ClassCallbackTimeout, ClassOf(NewCallbackTimeout("no callback")))

	// Unclassified errors stay retryable.
	assert.Equal(t, ClassTransient, ClassOf(stderrors.New("something broke")))
}

func TestClassOfWrapped(t *testing.T) {
	inner := NewPermanent("bad input", nil)
	wrapped := fmt.Errorf("stage convert: %w", inner)

	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsTransient(wrapped))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewTransient("recognition upload failed", cause)

	assert.Equal(t, "recognition upload failed: connection refused", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))
}
