package dispatch

import "net/http"

// Outcome classifies how a dispatch call ended.
type Outcome string

const (
	// OutcomeOK means the handler returned a payload.
	OutcomeOK Outcome = "ok"

	// OutcomeNotFound means no serving plugin handles the requested
	// plugin/endpoint pair.
	OutcomeNotFound Outcome = "not_found"

	// OutcomeError means the handler was found but failed.
	OutcomeError Outcome = "error"
)

// Result is the outcome of one dispatch call.
type Result struct {
	Outcome Outcome
	Payload any
	Err     error
}

// HTTPStatus maps the outcome to an HTTP status code.
func (r Result) HTTPStatus() int {
	switch r.Outcome {
	case OutcomeOK:
		return http.StatusOK
	case OutcomeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
