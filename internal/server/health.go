package server

import "net/http"

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see errors.go:jsonCT).
var (
	okBody       = []byte("ok")
	degradedBody = []byte("degraded")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz serves traffic-readiness. Degraded (no distributed tier)
// still reports ready; only an unhealthy status sheds traffic.
func (s *server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	if s.deps.Health != nil {
		st := s.deps.Health.Status()
		if !st.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
		if st.Degraded {
			w.WriteHeader(http.StatusOK)
			w.Write(degradedBody)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
