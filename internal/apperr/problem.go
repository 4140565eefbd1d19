package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ProblemDetails represents an RFC 7807 Problem Details response.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Kind     Kind   `json:"kind,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Problem builds the Problem Details document for err. Internal errors do
// not leak their cause.
func Problem(err error, instance string) ProblemDetails {
	status := HTTPStatus(err)
	kind := KindOf(err)
	detail := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Kind == kind && e.Msg != "" {
		detail = e.Msg
	}
	if kind == KindInternal || kind == KindCrypto {
		detail = "internal error"
	}
	return ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Kind:     kind,
		Instance: instance,
	}
}

// WriteProblem writes err as an application/problem+json response.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	problem := Problem(err, r.URL.Path)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}
