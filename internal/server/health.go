// ABOUTME: Liveness and readiness endpoints for process supervisors and load balancers
// ABOUTME: Readiness follows the gateway connection state, not just process health

package server

import (
	"fmt"
	"net/http"

	"github.com/2389/concierge-gateway/internal/gateway"
)

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK only while the gateway is ready to serve commands.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.client.Status()
	if st.State != gateway.StateReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready (%s)", st.State)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", st.AccountID)
}
