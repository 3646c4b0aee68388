package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/chartqueue/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]int{"queued_count": 2})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, float64(2), data["queued_count"])
}

func TestAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	response.Accepted(w, map[string]string{"job_id": "j1"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "j1", data["job_id"])
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	response.Collection(w, []map[string]string{{"timeframe": "H4"}, {"timeframe": "H1"}})

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"], 2)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(2), meta["total"])
}

func TestCollection_NilIsEmptyArray(t *testing.T) {
	w := httptest.NewRecorder()
	response.Collection[string](w, nil)

	assert.JSONEq(t, `{"data":[],"meta":{"total":0}}`, w.Body.String())
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found",
		map[string]string{"job_id": "abc"})

	assert.Equal(t, http.StatusNotFound, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "JOB_NOT_FOUND", errObj["code"])
	assert.Equal(t, "Job not found", errObj["message"])
	assert.Equal(t, "abc", errObj["details"].(map[string]any)["job_id"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing token", nil)

	errObj := decode(t, w)["error"].(map[string]any)
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}
