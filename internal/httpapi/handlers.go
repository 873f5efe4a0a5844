package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/slide-translator/internal/credits"
	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/translator"
)

type submitJobRequest struct {
	UserID  string         `json:"user_id"`
	Files   []jobs.FileRef `json:"files"`
	Options jobs.Options   `json:"options"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := s.jobs.SubmitBatchJob(r.Context(), req.UserID, req.Files, req.Options)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.jobs.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": id, "retry_of": chi.URLParam(r, "id")})
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	balance, err := s.ledger.Balance(r.Context(), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "balance": balance})
}

type setCreditsRequest struct {
	Balance *int64 `json:"balance"`
}

func (s *Server) handleSetCredits(w http.ResponseWriter, r *http.Request) {
	var req setCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Balance == nil {
		writeError(w, http.StatusBadRequest, "balance is required")
		return
	}
	user := chi.URLParam(r, "user")
	if err := s.ledger.SetBalance(r.Context(), user, *req.Balance); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "balance": *req.Balance})
}

func (s *Server) handleCheckCredits(w http.ResponseWriter, r *http.Request) {
	required, err := strconv.ParseInt(r.URL.Query().Get("required"), 10, 64)
	if err != nil || required < 0 {
		writeError(w, http.StatusBadRequest, "required must be a non-negative integer")
		return
	}
	check, err := s.ledger.CheckSufficientCredits(r.Context(), chi.URLParam(r, "user"), required)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type translateRequest struct {
	UserID     string   `json:"user_id"`
	Texts      []string `json:"texts"`
	SourceLang string   `json:"source_lang"`
	TargetLang string   `json:"target_lang"`
}

type unitFailureResponse struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

type translateResponse struct {
	Results  []translator.Result   `json:"results"`
	Failures []unitFailureResponse `json:"failures"`
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TargetLang == "" {
		writeError(w, http.StatusBadRequest, "target_lang is required")
		return
	}
	outcome, err := s.translator.TranslateTexts(r.Context(), req.UserID, req.Texts, req.SourceLang, req.TargetLang)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := translateResponse{
		Results:  outcome.Translations(),
		Failures: make([]unitFailureResponse, 0, len(outcome.Failures)),
	}
	if resp.Results == nil {
		resp.Results = []translator.Result{}
	}
	for _, f := range outcome.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		resp.Failures = append(resp.Failures, unitFailureResponse{Index: f.Unit.Index, Text: f.Unit.Text, Attempts: f.Attempts, Error: msg})
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest),
		translator.IsErrorType(err, translator.ErrValidation),
		errors.Is(err, credits.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobTerminal), errors.Is(err, jobs.ErrStatusConflict):
		return http.StatusConflict
	case credits.IsInsufficientCredits(err):
		return http.StatusPaymentRequired
	case translator.IsErrorType(err, translator.ErrRateLimit):
		return http.StatusTooManyRequests
	case translator.IsErrorType(err, translator.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
