// Package httpx holds the JSON request/response helpers shared by the HTTP
// handlers.
package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	appErrors "chat-ingest/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorBody struct {
	Code    appErrors.Code `json:"code"`
	Message string         `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError answers with the status mapped from err's code. Internal
// details are logged, not returned.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := appErrors.HTTPStatus(err)
	body := errorBody{Code: appErrors.CodeOf(err), Message: err.Error()}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		body.Message = http.StatusText(status)
		if body.Code == appErrors.CodeUnknown {
			body.Code = appErrors.CodeInternal
		}
	}
	if appErr, ok := err.(*appErrors.AppError); ok && status < http.StatusInternalServerError {
		body.Message = appErr.Message
	}
	WriteJSON(w, status, body)
}

// Decode reads a JSON body into dst and runs struct validation on it.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.InvalidArg("malformed JSON body: " + err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return appErrors.InvalidArg(err.Error())
	}
	return nil
}

// PathID parses a positive integer URL parameter.
func PathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.InvalidArg("invalid " + name)
	}
	return id, nil
}

// QueryID parses a positive integer query parameter.
func QueryID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.InvalidArg("invalid " + name)
	}
	return id, nil
}
