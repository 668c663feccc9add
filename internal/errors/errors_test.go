package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFallthrough(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"source unavailable", SourceUnavailable("fast", stderrors.New("timeout")), true},
		{"incomplete data", IncompleteData("fast", "no holdings"), true},
		{"wrapped incomplete", fmt.Errorf("tier 1: %w", IncompleteData("fast", "x")), true},
		{"write failure", WriteFailure("agent-delete", nil), false},
		{"plain error", stderrors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFallthrough(tt.err))
		})
	}
}

func TestExhausted(t *testing.T) {
	last := SourceUnavailable("ledger", stderrors.New("502"))
	err := Exhausted("0xabc", last)

	assert.True(t, IsExhausted(err))
	assert.True(t, stderrors.Is(err, ErrAllTiersExhausted))
	assert.Equal(t, CategoryExhausted, CategoryOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
	assert.Equal(t, "ALL_TIERS_EXHAUSTED", Code(err))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidInput("percentage", "out of range")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("agent", "a1")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(WriteFailure("position-close", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("x")))
	assert.Equal(t, "INTERNAL_ERROR", Code(stderrors.New("x")))
}

func TestCategorizedError_Message(t *testing.T) {
	err := WriteFailure("agent-sync", stderrors.New("refused"))
	assert.Contains(t, err.Error(), "WRITE_FAILURE")
	assert.Contains(t, err.Error(), "caused by: refused")
	assert.ErrorContains(t, stderrors.Unwrap(err), "refused")
}
