package httpapi

import "net/http"

// handlePerfLatency reports rolling turn latency percentiles per stage.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
