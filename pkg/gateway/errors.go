package gateway

import (
	"encoding/json"
	"net/http"
)

// Public error codes. Deliberately coarse: integrity mismatches and token
// failures collapse into a small set so responses never reveal which internal
// check failed.
const (
	CodeInvalidToken = "DOWNLOAD_INVALID_TOKEN"
	CodeNotFound     = "DOWNLOAD_NOT_FOUND"
	CodeInProgress   = "DOWNLOAD_IN_PROGRESS"
	CodeInvalidRange = "DOWNLOAD_INVALID_RANGE"
	CodeIOError      = "DOWNLOAD_IO_ERROR"
)

// errorEnvelope is the only failure shape clients ever see. No stack traces,
// no raw error text.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Code: code, Message: message})
}
