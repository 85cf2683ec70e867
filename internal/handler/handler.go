// Package handler serves the exam grading JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examgrader/internal/grading"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/model"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the grading components the API exposes.
type Services struct {
	Publisher   *grading.Publisher
	Coordinator *grading.Coordinator
	Aggregator  *grading.Aggregator
	Queries     *grading.Queries
	Health      Pinger
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc    Services
	config model.ServiceConfig
}

// New creates a new Handler.
func New(svc Services, cfg model.ServiceConfig) *Handler {
	return &Handler{svc: svc, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/exams", h.handleListExams)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Get("/questions", h.handleListQuestions)
		r.Get("/questions/{questionID}", h.handleGetQuestion)
		r.Get("/getQuestions", h.handleListQuestions)
		r.Post("/submit-answers", h.handleSubmitAnswers)
		r.Get("/submissions/{questionID}", h.handleSubmissions)
		r.Get("/studentResult/{examID}/{userID}", h.handleStudentResult)

		r.Group(func(r chi.Router) {
			r.Use(h.requireInstructor)
			r.Post("/exams", h.handlePublishExam)
			r.Post("/exams/import", h.handleImportExam)
			r.Post("/updateScores/{questionID}", h.handleUpdateScoresByQuestion)
			r.Post("/evaluations/{evaluationID}/scores", h.handleUpdateScores)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.svc.Health.Ping(ctx); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.svc.Queries.ListExams(r.Context())
	if err != nil {
		writeError(w, r, err, "", "ErrFetchExams")
		return
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.svc.Queries.GetExam(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, err, "ExamNotFound", "ErrFetchExam")
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

// handleListQuestions serves both /api/questions and /api/getQuestions;
// the optional examId query parameter narrows the list to one exam.
func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.svc.Queries.ListQuestions(r.Context(), r.URL.Query().Get("examId"))
	if err != nil {
		writeError(w, r, err, "", "ErrFetchQuestions")
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Queries.GetQuestion(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, r, err, "QuestionNotFound", "ErrFetchQuestion")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, "", "ErrSubmitAnswers")
		return
	}

	// The batch runs to completion even if the client goes away.
	res, err := h.svc.Coordinator.Submit(context.WithoutCancel(r.Context()), req.Answers)
	if err != nil {
		var efe *grading.EvaluationFailedError
		if errors.As(err, &efe) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":  appI18n.T(r.Context(), "ErrSubmitAnswers"),
				"detail": appI18n.Td(r.Context(), "ErrEvaluateAnswer", map[string]any{"Index": efe.Index + 1}),
			})
			return
		}
		writeError(w, r, err, "", "ErrSubmitAnswers")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": appI18n.T(r.Context(), "AnswersSubmitted"),
		"userId":  res.UserID,
	})
}

func (h *Handler) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	evals, err := h.svc.Queries.SubmissionsByQuestion(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, r, err, "NoSubmissions", "ErrFetchSubmissions")
		return
	}
	writeJSON(w, http.StatusOK, evals)
}

func (h *Handler) handleStudentResult(w http.ResponseWriter, r *http.Request) {
	evals, err := h.svc.Queries.StudentResult(r.Context(), chi.URLParam(r, "examID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err, "NoStudentResult", "ErrFetchStudentResult")
		return
	}
	writeJSON(w, http.StatusOK, evals)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", grading.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeError maps a grading error to a status code and a localized message.
// An empty notFoundID means not-found errors are unexpected for the route.
func writeError(w http.ResponseWriter, r *http.Request, err error, notFoundID, failID string) {
	ctx := r.Context()
	switch {
	case errors.Is(err, grading.ErrInvalidInput):
		slog.Warn("rejected request", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  appI18n.T(ctx, "InvalidRequest"),
			"detail": err.Error(),
		})
	case notFoundID != "" && errors.Is(err, grading.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": appI18n.T(ctx, notFoundID)})
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": appI18n.T(ctx, failID)})
	}
}
