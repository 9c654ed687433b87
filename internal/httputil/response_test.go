package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/canopy/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]float64{"best_dice": 0.91})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got map[string]float64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 0.91, got["best_dice"])
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		code  int
		msg   string
	}{
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "missing run_id") }, http.StatusBadRequest, "missing run_id"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no run r1") }, http.StatusNotFound, "no run r1"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "db closed") }, http.StatusInternalServerError, "db closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.code, rec.Code)
			var got map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, tt.msg, got["error"])
		})
	}
}

func TestWriteHTML(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteHTML(rec, []byte("<html></html>"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<html></html>", rec.Body.String())
}
