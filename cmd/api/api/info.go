package api

import (
	"net/http"

	"github.com/google/uuid"
)

// Health reports liveness.
func (s *ApiService) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewUUID returns a fresh random UUID for callers naming new VMs.
func (s *ApiService) NewUUID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"uuid": uuid.NewString()})
}

// PublicKey returns the agent's signing public key so the catalog can verify requests.
func (s *ApiService) PublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := s.Keys.PublicKeyPEM()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id":   s.Keys.AgentID(),
		"public_key": string(pem),
	})
}
