package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.svc.Health())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "malformed request body: "+err.Error())
		return
	}

	resp, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.svc.ListActive())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	resp, err := s.svc.GetJob(jobID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, 400, "tail must be an integer")
			return
		}
		tail = n
	}

	content, err := s.svc.GetLog(jobID, tail)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(200)
	_, _ = w.Write([]byte(content))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	resp, err := s.svc.GetTask(r.Context(), taskID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeAPIError translates a Service error into its HTTP response,
// including the Retry-After header the 429 "queue full" case requires.
// An error that isn't an *apiError is treated as an unexpected failure.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		writeError(w, 500, err.Error())
		return
	}
	if apiErr.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.retryAfter))
	}
	writeError(w, apiErr.status, apiErr.message)
}
