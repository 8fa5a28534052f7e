package httpserver

import "net/http"

// HealthHandler implements GET /health and GET / (§6): reports Job
// Store and Cluster Adapter reachability.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := struct {
			Database bool `json:"database"`
			Expanse  bool `json:"expanse"`
		}{}
		if s.Store != nil {
			hs.Database = s.Store.Ping(r.Context()) == nil
		}
		if s.Cluster != nil {
			hs.Expanse = s.Cluster.ValidateCredentials(r.Context())
		}
		writeJSON(w, http.StatusOK, hs)
	}
}
