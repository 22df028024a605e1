package api

import "net/http"

type healthResponse struct {
	Status       string `json:"status"`
	MediaServers int    `json:"mediaservers"`
	Connected    int    `json:"connected"`
}

// handleHealth reports whether any media server is usable. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, ms := range s.servers.MediaServers() {
		resp.MediaServers++
		if ms.Connected() {
			resp.Connected++
		}
	}

	status := http.StatusOK
	if resp.Connected == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
