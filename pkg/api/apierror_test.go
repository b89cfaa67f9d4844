package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/ndagate/pkg/api"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return problem
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{contracts.Errorf(contracts.CodeInvalidInput, "x"), http.StatusBadRequest},
		{contracts.Forbidden(contracts.CodeNotOwner), http.StatusForbidden},
		{contracts.Errorf(contracts.CodeNotFound, "x"), http.StatusNotFound},
		{contracts.Conflict(contracts.CodeStaleVersion, "r1", "pending", 2, "stale"), http.StatusConflict},
		{contracts.Errorf(contracts.CodeRateLimited, "slow down"), http.StatusTooManyRequests},
		{contracts.Conflict(contracts.CodeExpired, "a1", "drafted", 1, "late"), http.StatusGone},
		{contracts.Dependency("db", errors.New("boom")), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", contracts.Forbidden(contracts.CodeNotSigner)), http.StatusForbidden},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteDomainError_ConflictCarriesState(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/requests/r1/respond", nil)
	api.WriteDomainError(w, r, contracts.Conflict(contracts.CodeStaleVersion, "r1", "approved", 2, "request changed"))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
	problem := decodeProblem(t, w)
	if problem.Code != contracts.CodeStaleVersion {
		t.Errorf("expected code StaleVersion, got %q", problem.Code)
	}
	if problem.State != "approved" || problem.Version != 2 || problem.Subject != "r1" {
		t.Errorf("expected current state to be reported, got %+v", problem)
	}
	if problem.Instance != "/v1/requests/r1/respond" {
		t.Errorf("expected instance to be the request path, got %q", problem.Instance)
	}
}

func TestWriteDomainError_DependencyIsSanitized(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/access", nil)
	api.WriteDomainError(w, r, contracts.Dependency("check grant", errors.New("pq: connection refused to host=10.0.0.1")))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on dependency failure")
	}
	problem := decodeProblem(t, w)
	if strings.Contains(problem.Detail, "10.0.0.1") {
		t.Error("internal error details leaked to client")
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/access", nil)
	api.WriteDomainError(w, r, errors.New("pq: connection refused to host=10.0.0.1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	problem := decodeProblem(t, w)
	if strings.Contains(problem.Detail, "10.0.0.1") {
		t.Error("internal error details leaked to client")
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	api.WriteTooManyRequests(w, r, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	api.WriteUnauthorized(w, r, "")

	problem := decodeProblem(t, w)
	if problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}
}
