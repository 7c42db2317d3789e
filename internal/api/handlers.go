package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/7byte/fatiguemonitor/internal"
	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"github.com/7byte/fatiguemonitor/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

var allowedExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".webm": true,
	".mkv":  true,
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

type analyzeResponse struct {
	Analysis *store.Analysis       `json:"analysis,omitempty"`
	Result   fatigue.AnalysisResult `json:"result"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	employeeID, err := parseID(r.FormValue("employee_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "employee_id is required")
		return
	}
	var flightID *int64
	if v := r.FormValue("flight_id"); v != "" {
		id, err := parseID(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "flight_id must be a positive integer")
			return
		}
		flightID = &id
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "video file is required")
		return
	}
	defer file.Close()
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported video format %q", ext))
		return
	}

	if !s.sem.TryAcquire(1) {
		writeError(w, http.StatusServiceUnavailable, "too many analyses in progress, retry later")
		return
	}
	defer s.sem.Release(1)

	id := uuid.NewString()
	upload := filepath.Join(s.opts.VideoDir, "upload_"+id+ext)
	n, err := saveUpload(file, upload)
	defer os.Remove(upload)
	if err != nil {
		s.log.Error("failed to save upload", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}
	if n == 0 {
		writeError(w, http.StatusBadRequest, "video file is empty")
		return
	}

	output := filepath.Join(s.opts.VideoDir, "analyzed_"+id+".mp4")
	s.metrics.sessionStarted()
	res, err := s.analyzer.Analyze(r.Context(), internal.Request{Path: upload, OutputPath: output})
	s.metrics.sessionDone()
	s.metrics.RecordResult(res)
	if err != nil {
		s.log.Warn("analysis failed", "employee_id", employeeID, "error", err, "kind", res.ErrorKind)
	}

	status := statusFor(res)
	if status != http.StatusCreated {
		os.Remove(output)
		writeJSON(w, status, analyzeResponse{Result: res})
		return
	}

	if s.opts.Transcode != nil {
		if err := s.opts.Transcode(r.Context(), output); err != nil {
			s.log.Warn("keeping mp4v output", "file", output, "error", err)
		}
	}
	rec := store.FromResult(res, employeeID, flightID, store.TypeVideo, output)
	if err := s.store.SaveAnalysis(r.Context(), &rec); err != nil {
		s.log.Error("failed to store analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store analysis")
		return
	}
	s.log.Info("analysis stored", "analysis_id", rec.ID, "employee_id", employeeID, "level", rec.Level)
	writeJSON(w, http.StatusCreated, analyzeResponse{Analysis: &rec, Result: res})
}

func saveUpload(src io.Reader, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid analysis id")
		return
	}
	employeeID, err := parseID(r.URL.Query().Get("employee_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "employee_id is required")
		return
	}
	a, err := s.store.GetAnalysis(r.Context(), id, employeeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Error("failed to load analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load analysis")
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	employeeID, err := parseID(r.URL.Query().Get("employee_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "employee_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.store.History(r.Context(), employeeID, limit)
	if err != nil {
		s.log.Error("failed to load history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if list == nil {
		list = []store.Analysis{}
	}
	writeJSON(w, http.StatusOK, list)
}

type feedbackRequest struct {
	AnalysisID int64 `json:"analysis_id"`
	EmployeeID int64 `json:"employee_id"`
	Score      int   `json:"score"`
}

func (s *Server) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.store.SetFeedback(r.Context(), req.AnalysisID, req.EmployeeID, req.Score)
	switch {
	case errors.Is(err, store.ErrInvalidFeedback):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Error("failed to save feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save feedback")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id %d must be positive", id)
	}
	return id, nil
}
