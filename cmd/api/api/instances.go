package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kernel/vmagent/lib/instances"
)

// ListInstances lists all instances
func (s *ApiService) ListInstances(w http.ResponseWriter, r *http.Request) {
	insts, err := s.InstanceManager.ListInstances(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vms": insts, "total": len(insts)})
}

// CreateInstance creates a blank-disk VM and starts it
func (s *ApiService) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instances.CreateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	unlock := s.locks.lock(req.Name)
	defer unlock()

	inst, err := s.InstanceManager.CreateInstance(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// GetInstance gets instance details
func (s *ApiService) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.InstanceManager.GetInstance(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetInstanceStatus returns just the run state
func (s *ApiService) GetInstanceStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.InstanceManager.GetInstance(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": inst.Name, "state": inst.State, "active": inst.Active})
}

// DeleteInstance force-stops and undefines an instance
func (s *ApiService) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.InstanceManager.DeleteInstance(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

func (s *ApiService) power(op func(context.Context, string) (*instances.Instance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := op(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

func (s *ApiService) StartInstance(w http.ResponseWriter, r *http.Request) {
	s.power(s.InstanceManager.StartInstance)(w, r)
}

func (s *ApiService) StopInstance(w http.ResponseWriter, r *http.Request) {
	s.power(s.InstanceManager.StopInstance)(w, r)
}

func (s *ApiService) RestartInstance(w http.ResponseWriter, r *http.Request) {
	s.power(s.InstanceManager.RestartInstance)(w, r)
}

func (s *ApiService) KillInstance(w http.ResponseWriter, r *http.Request) {
	s.power(s.InstanceManager.KillInstance)(w, r)
}

// FormatInstance reprovisions the instance's boot disk from a base image
func (s *ApiService) FormatInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req instances.ReprovisionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.VMID == "" {
		req.VMID = name
	}
	if req.VMID != name {
		s.writeError(w, r, fmt.Errorf("%w: vm_id %q does not match path %q", errBadRequest, req.VMID, name))
		return
	}
	if req.OS.URL != "" {
		resolved, err := s.resolveImageURL(req.OS.URL)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.OS.URL = resolved
	}

	result, err := s.InstanceManager.ReprovisionInstance(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// finalizeBody defaults delete_iso to true when omitted.
type finalizeBody struct {
	SeedPath  string `json:"seed_iso_path"`
	DeleteISO *bool  `json:"delete_iso"`
}

// FinalizeInstance detaches the first-boot seed
func (s *ApiService) FinalizeInstance(w http.ResponseWriter, r *http.Request) {
	var body finalizeBody
	if err := decodeJSON(r, &body, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := instances.FinalizeRequest{SeedPath: body.SeedPath, DeleteSeed: true}
	if body.DeleteISO != nil {
		req.DeleteSeed = *body.DeleteISO
	}

	result, err := s.InstanceManager.FinalizeInstance(r.Context(), chi.URLParam(r, "name"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
