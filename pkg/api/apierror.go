// Package api is the HTTP JSON boundary of the NDA gate. Errors are RFC 7807
// problem documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

const problemBase = "https://ndagate.dev/errors/"

// ProblemDetail implements RFC 7807, extended with the domain error code and,
// for conflicts, the entity's current state and version.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	Code    contracts.ErrorCode `json:"code,omitempty"`
	Subject string              `json:"subject,omitempty"`
	State   string              `json:"state,omitempty"`
	Version int64               `json:"version,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	if contracts.CodeOf(err) == contracts.CodeRateLimited {
		return http.StatusTooManyRequests
	}
	switch contracts.KindOf(err) {
	case contracts.KindValidation:
		return http.StatusBadRequest
	case contracts.KindAuthorization:
		return http.StatusForbidden
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindConflict:
		return http.StatusConflict
	case contracts.KindExpired:
		return http.StatusGone
	case contracts.KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError writes err as a problem document. Untyped errors are
// internal and never shown to the client; dependency failures are logged
// with their cause and reported generically.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *contracts.Error
	if !errors.As(err, &de) {
		WriteInternal(w, r, err)
		return
	}
	status := StatusFor(err)
	p := &ProblemDetail{
		Type:     problemBase + string(de.Code),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   de.Message,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Code:     de.Code,
		Subject:  de.Subject,
		State:    de.State,
		Version:  de.Version,
	}
	if de.Kind() == contracts.KindDependency {
		slog.ErrorContext(r.Context(), "dependency failure", "error", err, "path", r.URL.Path)
		p.Detail = "A backing service is unavailable. Please retry."
		w.Header().Set("Retry-After", "5")
	}
	writeProblem(w, p)
}

// WriteError writes an RFC 7807 problem for a non-domain failure.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemBase + strconv.Itoa(status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="ndagate"`)
	WriteError(w, r, http.StatusUnauthorized, detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

// writeJSON writes a JSON success response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
