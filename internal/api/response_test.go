package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/testutil"
)

func TestWriteJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusAccepted, models.Success(map[string]int{"sessions": 2}))

	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "encodable response")
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestWriteJSONResponse_EncodingFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))

	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "unencodable response")
	response := testutil.AssertJSONResponse(t, rr, "error")
	assert.Equal(t, "Internal server error", response["message"])
}

func TestWriteTextResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	writeTextResponse(rr, http.StatusOK, "text/plain; charset=utf-8", "EVENT_RECEIVED")

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "text response")
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, "EVENT_RECEIVED", rr.Body.String())
}
