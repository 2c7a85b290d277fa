package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/isdmx/tracebox/analysis"
	"github.com/isdmx/tracebox/jobs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeValidation(w http.ResponseWriter, details []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "Validation failed",
		"details": details,
	})
}

// analyzeRequest is the POST /api/analyze body. File contents stay untyped so
// a non-string value is reported per file instead of failing the decode.
type analyzeRequest struct {
	Files   map[string]any `json:"files"`
	Options analyzeOptions `json:"options"`
}

type analyzeOptions struct {
	Static  bool     `json:"static"`
	Dynamic bool     `json:"dynamic"`
	Tools   []string `json:"tools" validate:"max=32,dive,required,max=64,excludesall=0x2C"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if details := s.validateOptions(req.Options); len(details) > 0 {
		writeValidation(w, details)
		return
	}

	files, details := decodeFiles(req.Files)
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}

	result, err := s.service.Analyze(r.Context(), files, jobs.Options{
		Static:  req.Options.Static,
		Dynamic: req.Options.Dynamic,
		Tools:   req.Options.Tools,
	})
	if err != nil {
		var verr *analysis.ValidationError
		if errors.As(err, &verr) {
			writeValidation(w, verr.Violations)
			return
		}
		s.logger.Error("analysis request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Analysis failed",
			"message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) validateOptions(options analyzeOptions) []string {
	err := s.validate.Struct(options)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s failed on '%s' validation", fe.Namespace(), fe.Tag()))
	}
	return details
}

// decodeFiles keeps string contents and reports the rest by name.
func decodeFiles(raw map[string]any) (map[string]string, []string) {
	files := make(map[string]string, len(raw))
	var details []string
	for name, content := range raw {
		text, ok := content.(string)
		if !ok {
			details = append(details, fmt.Sprintf("Invalid content type for %s", name))
			continue
		}
		files[name] = text
	}
	sort.Strings(details)
	return files, details
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.service.Job(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.service.Tools(r.Context())
	if err != nil {
		s.logger.Error("failed to list analyzer tools", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve tools")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleListExamples(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Examples())
}

func (s *Server) handleGetExample(w http.ResponseWriter, r *http.Request) {
	example, err := s.service.Example(chi.URLParam(r, "id"))
	if errors.Is(err, analysis.ErrExampleNotFound) {
		writeError(w, http.StatusNotFound, "Example not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve example")
		return
	}
	writeJSON(w, http.StatusOK, example)
}
