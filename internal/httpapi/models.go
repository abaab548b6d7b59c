package httpapi

import "net/http"

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"models": s.registry.List()})
}
