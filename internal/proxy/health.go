package proxy

import "net/http"

// healthStatus is the body of health probe responses.
type healthStatus struct {
	Status string `json:"status"`
}

// livenessHandler handles liveness probe requests.
// Always returns 200 OK to indicate the process is alive.
func livenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(r.Context(), w, healthStatus{Status: "alive"}, http.StatusOK)
	}
}

// readinessHandler handles readiness probe requests.
// Returns 200 OK while a usable credential exists, 503 otherwise.
func readinessHandler(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		if checker.IsReady() {
			writeJSON(r.Context(), w, healthStatus{Status: "ready"}, http.StatusOK)
		} else {
			writeJSON(r.Context(), w, healthStatus{Status: "unauthenticated"}, http.StatusServiceUnavailable)
		}
	}
}
