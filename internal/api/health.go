package api

import (
	"net/http"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	rep := s.health.Check(r.Context())

	status := http.StatusOK
	if !rep.Up() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, rep)
}
