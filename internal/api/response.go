package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// internalErrorBody is served whenever a diagnostic payload cannot be encoded.
var internalErrorBody = mustEncode(models.Error("Internal server error"))

func mustEncode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: cannot encode static response: %v", err))
	}
	return data
}

// writeJSONResponse encodes response and writes it with statusCode. The body is encoded
// before any header goes out, so an encoding failure still turns into a clean 500 envelope.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to encode response", "error", err, "status", statusCode)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "error", err)
	}
}

// writeTextResponse writes body verbatim. Webhook acknowledgements and TwiML go through here.
func writeTextResponse(w http.ResponseWriter, statusCode int, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Error("Server.writeTextResponse: failed to write response", "error", err)
	}
}
