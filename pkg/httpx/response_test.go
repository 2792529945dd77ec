package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("experiment x: %w", experiment.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("ended: %w", experiment.ErrInvalidState), http.StatusConflict},
		{experiment.ErrInvalidConfiguration, http.StatusBadRequest},
		{fmt.Errorf("source: %w", experiment.ErrTransientIO), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestRespondServiceError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondServiceError(rec, fmt.Errorf("experiment abc: %w", experiment.ErrNotFound))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Not Found", body.Error)
	assert.Contains(t, body.Message, "experiment abc")
}
