package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error          string       `json:"error"`
	Message        string       `json:"message,omitempty"`
	Kind           string       `json:"kind,omitempty"`
	Stage          domain.Stage `json:"stage,omitempty"`
	ContentChanged *bool        `json:"content_changed,omitempty"`
	Fields         []string     `json:"fields,omitempty"`
}

// StatusFor maps the deploy failure taxonomy to an HTTP status.
func StatusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidEncoding),
		errors.Is(err, domain.ErrNoArtifactSource):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrMalformedArchive),
		errors.Is(err, domain.ErrPathTraversal),
		errors.Is(err, domain.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrFetchTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrFetch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// HandleError writes err with the status StatusFor picks. summary is the short
// human label, e.g. "Deployment failed".
func HandleError(w http.ResponseWriter, summary string, err error) {
	resp := ErrorResponse{Error: summary, Message: err.Error(), Kind: domain.Kind(err)}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Kind = "InvalidRequest"
		for _, fe := range verrs {
			resp.Fields = append(resp.Fields, fe.Field()+": "+fe.Tag())
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var derr *domain.DeployError
	if errors.As(err, &derr) {
		resp.Stage = derr.Stage
		changed := derr.ContentChanged
		resp.ContentChanged = &changed
	}
	writeJSON(w, StatusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
