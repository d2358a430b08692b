package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/convert"
	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/id/uuid"
	"github.com/JakeFAU/robustfetch/internal/pipeline"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

type fetchRequest struct {
	URL string `json:"url"`
	// Filename is relative to the output directory; empty derives one from URL.
	Filename       string `json:"filename"`
	TryMirrors     *bool  `json:"try_mirrors"`
	TryWayback     *bool  `json:"try_wayback"`
	TimeoutSeconds *int   `json:"timeout_seconds"`
	PDF            bool   `json:"pdf"`
	PDFEngine      string `json:"pdf_engine"`
	// Wait runs the fetch inside the request instead of queueing it.
	Wait bool `json:"wait"`
}

type convertRequest struct {
	HTMLPath string `json:"html_path"`
	PDFPath  string `json:"pdf_path"`
	Engine   string `json:"engine"`
}

type convertResponse struct {
	PDFPath string `json:"pdf_path"`
	Engine  string `json:"engine"`
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.toJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Wait {
		rec, err := s.deps.Runner.Run(r.Context(), job)
		if err != nil && rec.ID == "" {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err != nil {
			s.logger.Warn("inline fetch finished with errors", zap.String("run_id", rec.ID), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	rec, err := s.deps.Submitter.Submit(r.Context(), job)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Location", "/v1/fetches/"+rec.ID)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) toJob(req fetchRequest) (pipeline.Job, error) {
	name := req.Filename
	if name == "" {
		name = fetch.FilenameFromURL(req.URL, "")
	}
	out, err := s.confine(name)
	if err != nil {
		return pipeline.Job{}, err
	}

	fr := fetch.NewRequest(req.URL, out)
	fr.TryMirrors = boolOrDefault(req.TryMirrors, s.cfg.TryMirrors)
	fr.TryWayback = boolOrDefault(req.TryWayback, s.cfg.TryWayback)
	if s.cfg.FetchTimeout > 0 {
		fr.Timeout = s.cfg.FetchTimeout
	}
	if req.TimeoutSeconds != nil {
		fr.Timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}
	if err := fr.Validate(); err != nil {
		return pipeline.Job{}, err
	}
	return pipeline.Job{Request: fr, PDF: req.PDF, PDFEngine: req.PDFEngine}, nil
}

func (s *Server) getFetch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Canonical(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.deps.Records.Get(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "fetch not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	htmlPath, err := s.confine(req.HTMLPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pdfName := req.PDFPath
	if pdfName == "" {
		pdfName = strings.TrimSuffix(htmlPath, filepath.Ext(htmlPath)) + ".pdf"
	}
	pdfPath, err := s.confine(pdfName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	engine := req.Engine
	if engine == "" {
		engine = convert.EngineAuto
	}

	used, err := s.deps.Converter.Run(r.Context(), htmlPath, pdfPath, engine)
	switch {
	case errors.Is(err, convert.ErrUnknownEngine):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, convert.ErrNoConverter):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, convertResponse{PDFPath: pdfPath, Engine: used})
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}
