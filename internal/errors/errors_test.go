package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeConflict, CodeOf(New(ErrCodeConflict, "claimed")))
	assert.Equal(t, ErrCodeNotFound, CodeOf(NotFound("task", "t1")))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))

	// The code survives fmt wrapping.
	wrapped := fmt.Errorf("handling request: %w", New(ErrCodeState, "terminal"))
	assert.Equal(t, ErrCodeState, CodeOf(wrapped))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrCodeInternal, "ignored"))

	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to query tasks")
	assert.Equal(t, ErrCodeInternal, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to query tasks")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "name: workflow name is required", MessageOf(InvalidInput("name", "workflow name is required")))
	// Plain errors never leak their text to callers.
	assert.Equal(t, "internal error", MessageOf(stderrors.New("pq: relation does not exist")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidInput("decision", "must be approve or reject"), http.StatusBadRequest},
		{New(ErrCodeUnauthorized, "missing role"), http.StatusForbidden},
		{New(ErrCodeConflict, "already claimed"), http.StatusConflict},
		{New(ErrCodeState, "instance is completed"), http.StatusConflict},
		{NotFound("workflow_definition", "w1"), http.StatusNotFound},
		{stderrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err))
	}
}

func TestIs(t *testing.T) {
	assert.True(t, Is(New(ErrCodeConflict, "claimed"), ErrCodeConflict))
	assert.False(t, Is(New(ErrCodeConflict, "claimed"), ErrCodeState))
	assert.False(t, Is(nil, ErrCodeInternal))
}
