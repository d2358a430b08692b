package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type mirrorsRequest struct {
	Mirrors []string `json:"mirrors"`
}

func (s *Server) listMirrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Mirrors.Snapshot())
}

func (s *Server) setMirrors(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	var req mirrorsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Mirrors.Set(domain, req.Mirrors); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Mirrors.Snapshot())
}

func (s *Server) deleteMirrors(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Mirrors.Delete(chi.URLParam(r, "domain")) {
		writeError(w, http.StatusNotFound, "domain not in mirror table")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
