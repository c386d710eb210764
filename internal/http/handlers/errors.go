// Package handlers provides the HTTP API handlers for castd.
package handlers

import (
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/castdio/castd/internal/models"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiError carries a classified failure to the client as
// {"error":{"code","message"}}. It implements huma.StatusError.
type apiError struct {
	status int
	Detail errorBody `json:"error"`
}

func (e *apiError) Error() string {
	return e.Detail.Message
}

func (e *apiError) GetStatus() int {
	return e.status
}

// ContentType keeps error responses plain application/json rather than
// problem+json.
func (e *apiError) ContentType(string) string {
	return "application/json"
}

// Err converts a core error into the API error shape, mapping the taxonomy
// kind to both the code and the status.
func Err(err error) error {
	if err == nil {
		return nil
	}
	kind := models.KindOf(err)
	return &apiError{
		status: kind.HTTPStatus(),
		Detail: errorBody{Code: string(kind), Message: models.MessageOf(err)},
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(models.KindValidation)
	case http.StatusUnauthorized:
		return string(models.KindUnauthorized)
	case http.StatusForbidden:
		return string(models.KindForbidden)
	case http.StatusNotFound:
		return string(models.KindNotFound)
	case http.StatusConflict:
		return string(models.KindConflict)
	case http.StatusRequestEntityTooLarge:
		return string(models.KindPayloadTooLarge)
	case http.StatusTooManyRequests:
		return string(models.KindRateLimited)
	case http.StatusServiceUnavailable:
		return string(models.KindUnavailable)
	default:
		return string(models.KindInternal)
	}
}

func init() {
	// Framework-generated errors (body validation, routing) use the same
	// body shape as handler errors. Request validation answers 400, not
	// huma's default 422.
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		parts := make([]string, 0, len(errs))
		for _, e := range errs {
			if e != nil {
				parts = append(parts, e.Error())
			}
		}
		if len(parts) > 0 {
			message = message + ": " + strings.Join(parts, "; ")
		}
		return &apiError{
			status: status,
			Detail: errorBody{Code: codeForStatus(status), Message: message},
		}
	}
}
