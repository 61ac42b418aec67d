package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRespondJSON(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		data       any
		wantBody   bool
	}{
		{"OK with data", http.StatusOK, map[string]string{"status": "ok"}, true},
		{"Accepted with data", http.StatusAccepted, map[string]int{"count": 2}, true},
		{"NoContent without data", http.StatusNoContent, nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondJSON(recorder, tc.statusCode, tc.data)

			assertStatusCode(t, recorder, tc.statusCode)
			assertContentType(t, recorder, "application/json")
			if got := recorder.Body.Len() > 0; got != tc.wantBody {
				t.Errorf("expected body=%v, got %q", tc.wantBody, recorder.Body.String())
			}
		})
	}
}

func TestRespondError(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondError(recorder, http.StatusConflict, "invalid checkpoint transition")

	assertStatusCode(t, recorder, http.StatusConflict)
	assertJSONError(t, recorder, "invalid checkpoint transition")
}

func TestHealthCheck(t *testing.T) {
	recorder := httptest.NewRecorder()
	HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var body map[string]string
	parseJSONResponse(t, recorder, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("line1\nline2\r"); got != "line1line2" {
		t.Errorf("unexpected %q", got)
	}
}
