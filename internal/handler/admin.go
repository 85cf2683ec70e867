package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examgrader/internal/grading"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/model"
)

const maxUploadBytes = 10 << 20

func (h *Handler) handlePublishExam(w http.ResponseWriter, r *http.Request) {
	var draft model.ExamDraft
	if err := decodeJSON(w, r, &draft); err != nil {
		writeError(w, r, err, "", "ErrPublishExam")
		return
	}

	res, err := h.svc.Publisher.Publish(r.Context(), draft)
	if err != nil {
		writeError(w, r, err, "", "ErrPublishExam")
		return
	}
	writePublished(w, r, res)
}

func (h *Handler) handleImportExam(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", grading.ErrInvalidInput, err), "", "ErrPublishExam")
		return
	}

	file, header, err := r.FormFile("exam_file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: no file uploaded", grading.ErrInvalidInput), "", "ErrPublishExam")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("read upload: %w", err), "", "ErrPublishExam")
		return
	}

	res, err := h.svc.Publisher.Import(r.Context(), header.Filename, data)
	if err != nil {
		writeError(w, r, err, "", "ErrPublishExam")
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":   appI18n.T(r.Context(), "ExamAlreadyImported"),
			"duplicate": true,
		})
		return
	}

	slog.Info("uploaded exam via API", "filename", header.Filename, "exam_id", res.ExamID)
	writePublished(w, r, res.PublishResult)
}

func writePublished(w http.ResponseWriter, r *http.Request, res model.PublishResult) {
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":     appI18n.T(r.Context(), "ExamPublished"),
		"examId":      res.ExamID,
		"questionIds": res.QuestionIDs,
	})
}

func (h *Handler) handleUpdateScores(w http.ResponseWriter, r *http.Request) {
	u, ok := decodeScoreUpdate(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Aggregator.UpdateScore(r.Context(), chi.URLParam(r, "evaluationID"), u); err != nil {
		writeError(w, r, err, "SubmissionNotFound", "ErrUpdateScores")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": appI18n.T(r.Context(), "ScoresUpdated")})
}

func (h *Handler) handleUpdateScoresByQuestion(w http.ResponseWriter, r *http.Request) {
	u, ok := decodeScoreUpdate(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Aggregator.UpdateScoreByQuestion(r.Context(), chi.URLParam(r, "questionID"), u); err != nil {
		writeError(w, r, err, "SubmissionNotFound", "ErrUpdateScores")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": appI18n.T(r.Context(), "ScoresUpdated")})
}

func decodeScoreUpdate(w http.ResponseWriter, r *http.Request) (grading.ScoreUpdate, bool) {
	var req model.ScoreUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, "", "ErrUpdateScores")
		return grading.ScoreUpdate{}, false
	}
	u, err := grading.ParseScoreUpdate(string(req.KeywordScore), string(req.RelevanceScore), string(req.GrammarScore))
	if err != nil {
		writeError(w, r, err, "", "ErrUpdateScores")
		return grading.ScoreUpdate{}, false
	}
	return u, true
}
