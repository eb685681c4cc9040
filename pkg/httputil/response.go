// Package httputil provides HTTP handler utilities for the bridge's JSON
// envelope, domain error mapping and request parsing.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
)

// SuccessResponse is the envelope for every successful response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the envelope for every failed response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 response wrapping data in the success envelope
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// WriteSuccessMessage writes a 200 response with a message and optional data
func WriteSuccessMessage(w http.ResponseWriter, message string, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: message, Data: data})
}

// WriteErrorCode writes the error envelope with an explicit status and code
func WriteErrorCode(w http.ResponseWriter, status int, code auth.Code, message string) {
	WriteJSON(w, status, ErrorResponse{Success: false, Message: message, Code: string(code)})
}

// WriteDomainError maps err onto the error envelope. Recognised domain errors
// keep their status and code; anything else is a 500 STORAGE_ERROR carrying
// the underlying message.
func WriteDomainError(w http.ResponseWriter, err error) {
	if de, ok := auth.AsError(err); ok {
		WriteErrorCode(w, de.Status, de.Code, de.Message)
		return
	}
	WriteInternalError(w, err)
}

// WriteInternalError writes a 500 with the underlying message
func WriteInternalError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("internal server error")
	}
	WriteErrorCode(w, http.StatusInternalServerError, auth.CodeStorageError, err.Error())
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusBadRequest, auth.CodeBadRequest, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusTooManyRequests, auth.CodeRateLimited, message)
}
