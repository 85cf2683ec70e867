package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examgrader/internal/grading"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/model"
	"github.com/pavelanni/examgrader/internal/store"
)

type fakeEvaluator struct {
	fail bool
}

func (e *fakeEvaluator) Evaluate(_ context.Context, req model.EvaluationRequest) (*model.ScoreResponse, error) {
	if e.fail {
		return nil, errors.New("scorer unavailable")
	}
	return &model.ScoreResponse{
		Keyword:   model.ScoreDetail{Score: 80},
		Reference: model.ScoreDetail{Score: 90},
		Grammar:   model.ScoreDetail{Score: 70},
	}, nil
}

type noThrottle struct{}

func (noThrottle) Wait(context.Context) error { return nil }

type testServer struct {
	t     *testing.T
	store *store.Store
	eval  *fakeEvaluator
	srv   *httptest.Server
}

func newTestServer(t *testing.T, cfg model.ServiceConfig) *testServer {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	s, err := store.New(context.Background(), store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ev := &fakeEvaluator{}
	h := New(Services{
		Publisher:   grading.NewPublisher(s),
		Coordinator: grading.NewCoordinator(s, ev, noThrottle{}),
		Aggregator:  grading.NewAggregator(s),
		Queries:     grading.NewQueries(s),
		Health:      s,
	}, cfg)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware)
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{t: t, store: s, eval: ev, srv: srv}
}

func (ts *testServer) do(method, path, body string) (*http.Response, map[string]any) {
	ts.t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(ts.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return ts.send(req)
}

func (ts *testServer) send(req *http.Request) (*http.Response, map[string]any) {
	ts.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	var out map[string]any
	var raw json.RawMessage
	require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(&raw))
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (ts *testServer) getList(path string) []map[string]any {
	ts.t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	require.Equal(ts.t, http.StatusOK, resp.StatusCode)
	var out []map[string]any
	require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) publish(body string) (examID string, questionIDs []string) {
	ts.t.Helper()
	resp, out := ts.do(http.MethodPost, "/api/exams", body)
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
	for _, id := range out["questionIds"].([]any) {
		questionIDs = append(questionIDs, id.(string))
	}
	return out["examId"].(string), questionIDs
}

const twoQuestionExam = `{"title": "Go", "questions": [
	{"text": "Q1", "answer": "A1", "keywords": ["x", "y"]},
	{"text": "Q2", "answer": "A2", "keywords": []}
]}`

func submitBody(ids ...string) string {
	var answers []model.AnswerSubmission
	for _, id := range ids {
		answers = append(answers, model.AnswerSubmission{QuestionID: id, Answer: "my answer"})
	}
	data, _ := json.Marshal(model.SubmitRequest{Answers: answers})
	return string(data)
}

func TestPublishSubmitAndQuery(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	examID, qids := ts.publish(twoQuestionExam)
	require.Len(t, qids, 2)

	resp, out := ts.do(http.MethodGet, "/api/questions/"+qids[0], "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Q1", out["text"])
	assert.Equal(t, "A1", out["answer"])
	assert.Equal(t, examID, out["examId"])
	assert.Equal(t, []any{"x", "y"}, out["keywords"])

	assert.Len(t, ts.getList("/api/questions"), 2)
	assert.Len(t, ts.getList("/api/getQuestions?examId="+examID), 2)
	assert.Empty(t, ts.getList("/api/getQuestions?examId=other"))
	assert.Len(t, ts.getList("/api/exams"), 1)

	resp, out = ts.do(http.MethodGet, "/api/exams/"+examID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Go", out["title"])
	assert.Equal(t, examID, out["_id"])

	resp, out = ts.do(http.MethodPost, "/api/submit-answers", submitBody(qids...))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Answers submitted and evaluated successfully!", out["message"])
	userID, _ := out["userId"].(string)
	require.NotEmpty(t, userID)

	results := ts.getList("/api/studentResult/" + examID + "/" + userID)
	require.Len(t, results, 2)
	eval := results[0]["evaluation"].(map[string]any)
	assert.InDelta(t, 82, eval["finalScore"], 1e-9)
	assert.Equal(t, userID, results[0]["userId"])

	assert.Len(t, ts.getList("/api/submissions/"+qids[1]), 1)
}

func TestNotFoundResponses(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	examID, qids := ts.publish(twoQuestionExam)

	tests := []struct {
		method, path, body string
		wantError          string
	}{
		{http.MethodGet, "/api/questions/missing", "", "Question not found"},
		{http.MethodGet, "/api/exams/missing", "", "Exam not found"},
		{http.MethodGet, "/api/submissions/" + qids[0], "", "No submissions found for this question"},
		{http.MethodGet, "/api/studentResult/" + examID + "/nobody", "", "No student result found for this exam and userID"},
		{http.MethodGet, "/api/studentResult/missing/nobody", "", "No student result found for this exam and userID"},
		{http.MethodPost, "/api/updateScores/" + qids[0], `{"keywordScore": 1, "relevanceScore": 1, "grammarScore": 1}`, "Submission not found"},
		{http.MethodPost, "/api/evaluations/missing/scores", `{"keywordScore": 1, "relevanceScore": 1, "grammarScore": 1}`, "Submission not found"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, out := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, tt.wantError, out["error"])
		})
	}
}

func TestSubmitUnknownQuestion(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	_, qids := ts.publish(twoQuestionExam)

	resp, out := ts.do(http.MethodPost, "/api/submit-answers", submitBody(qids[0], "missing"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to submit and evaluate answers", out["error"])

	count, err := ts.store.EvaluationCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "a batch with an unknown question stores nothing")
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	_, qids := ts.publish(twoQuestionExam)
	ts.do(http.MethodPost, "/api/submit-answers", submitBody(qids[0]))

	tests := []struct {
		name, path, body string
	}{
		{"publish malformed", "/api/exams", `{"title":`},
		{"publish without questions", "/api/exams", `{"title": "T", "questions": []}`},
		{"submit empty batch", "/api/submit-answers", `{"answers": []}`},
		{"submit malformed", "/api/submit-answers", `[]`},
		{"non numeric score", "/api/updateScores/" + qids[0], `{"keywordScore": "abc", "relevanceScore": 1, "grammarScore": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := ts.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "Invalid request", out["error"])
		})
	}
}

func TestEvaluatorFailure(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	_, qids := ts.publish(twoQuestionExam)
	ts.eval.fail = true

	resp, out := ts.do(http.MethodPost, "/api/submit-answers", submitBody(qids...))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to submit and evaluate answers", out["error"])
	assert.Contains(t, out["detail"], "answer 1")

	count, err := ts.store.EvaluationCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUpdateScores(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	examID, qids := ts.publish(twoQuestionExam)
	_, out := ts.do(http.MethodPost, "/api/submit-answers", submitBody(qids...))
	userID := out["userId"].(string)

	results := ts.getList("/api/studentResult/" + examID + "/" + userID)
	evalID := results[0]["_id"].(string)

	body := `{"keywordScore": "50", "relevanceScore": 60.7, "grammarScore": "100"}`
	for i := 0; i < 2; i++ {
		resp, out := ts.do(http.MethodPost, "/api/evaluations/"+evalID+"/scores", body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "update %d", i)
		assert.Equal(t, "Scores updated successfully", out["message"])
	}

	resp, _ := ts.do(http.MethodPost, "/api/updateScores/"+qids[1], `{"keywordScore": 10, "relevanceScore": 10, "grammarScore": 10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results = ts.getList("/api/studentResult/" + examID + "/" + userID)
	first := results[0]["evaluation"].(map[string]any)
	assert.InDelta(t, 64, first["finalScore"], 1e-9)
	assert.Equal(t, 60.0, first["reference"].(map[string]any)["score"])
	second := results[1]["evaluation"].(map[string]any)
	assert.InDelta(t, 10, second["finalScore"], 1e-9)

	resp, _ = ts.do(http.MethodPost, "/api/updateScores/"+qids[1], `{"keywordScore": 1e2, "relevanceScore": 1.5e1, "grammarScore": 1e2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results = ts.getList("/api/studentResult/" + examID + "/" + userID)
	second = results[1]["evaluation"].(map[string]any)
	assert.Equal(t, 100.0, second["keyword"].(map[string]any)["score"])
	assert.Equal(t, 15.0, second["reference"].(map[string]any)["score"])
	assert.InDelta(t, 66, second["finalScore"], 1e-9)
}

func TestInstructorGuard(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	ts := newTestServer(t, model.ServiceConfig{InstructorPasswordHash: hash})

	tests := []struct {
		name       string
		user, pass string
		wantStatus int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", InstructorUser, "nope", http.StatusUnauthorized},
		{"wrong user", "student", "s3cret", http.StatusUnauthorized},
		{"instructor", InstructorUser, "s3cret", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/exams", strings.NewReader(twoQuestionExam))
			require.NoError(t, err)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			resp, _ := ts.send(req)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
			}
		})
	}

	// Read and submit routes stay open.
	resp, err := http.Get(ts.srv.URL + "/api/exams")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestImportExam(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})

	upload := func() (*http.Response, map[string]any) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("exam_file", "exam.json")
		require.NoError(t, err)
		_, err = fw.Write([]byte(twoQuestionExam))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/exams/import", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return ts.send(req)
	}

	resp, out := upload()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, out["questionIds"], 2)

	resp, out = upload()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["duplicate"])

	assert.Len(t, ts.getList("/api/exams"), 1)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	resp, out := ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	ts.store.Close()
	resp, out = ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", out["status"])
}

func TestLocalizedErrors(t *testing.T) {
	ts := newTestServer(t, model.ServiceConfig{})
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/exams/missing", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "ru")
	resp, out := ts.send(req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Экзамен не найден", out["error"])
}
