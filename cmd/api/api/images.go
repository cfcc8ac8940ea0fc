package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListImages lists cached base images
func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.ImageManager.ListImages(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": imgs, "total": len(imgs)})
}

// GetImage gets image details
func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.ImageManager.GetImage(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// DeleteImage removes a cached image
func (s *ApiService) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.ImageManager.DeleteImage(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
