package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"strings"
	"testing"
	"time"

	"cv-shortlister/internal/api/handler"
	"cv-shortlister/internal/api/router"
	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/processor"
	"cv-shortlister/internal/storage"
	"cv-shortlister/internal/storage/models"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// stubShortlister 记录收到的请求，并在调用时读取上传文件
type stubShortlister struct {
	got      types.ShortlistRequest
	contents map[string]string
	resp     *types.ShortlistResponse
	err      error
}

func (s *stubShortlister) Shortlist(_ context.Context, req types.ShortlistRequest) (*types.ShortlistResponse, error) {
	s.got = req
	s.contents = map[string]string{}
	files := req.CVFiles
	if req.JDFile != nil {
		files = append(files, *req.JDFile)
	}
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, err
		}
		s.contents[f.Filename] = string(data)
	}
	return s.resp, s.err
}

type formFile struct {
	field, name, content string
}

func multipartBody(t *testing.T, fields map[string]string, files []formFile) (*ut.Body, ut.Header) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &ut.Body{Body: &buf, Len: buf.Len()}, ut.Header{Key: "Content-Type", Value: w.FormDataContentType()}
}

func newEngine(t *testing.T, svc handler.Shortlister, adminOpts ...handler.AdminOption) (*server.Hertz, storage.VectorStore) {
	t.Helper()
	store, err := storage.NewSQLiteVectorStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := server.Default()
	router.RegisterRoutes(h, handler.NewShortlistHandler(svc, t.TempDir()), handler.NewAdminHandler(store, adminOpts...), nil)
	return h, store
}

type stubRunReader struct {
	runs map[string]*models.ShortlistRun
}

func (s stubRunReader) GetRun(_ context.Context, runID string) (*models.ShortlistRun, error) {
	if run, ok := s.runs[runID]; ok {
		return run, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
}

func decode(t *testing.T, body []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(body, v), string(body))
}

func TestRootAndHealth(t *testing.T) {
	h, _ := newEngine(t, &stubShortlister{})

	w := ut.PerformRequest(h.Engine, consts.MethodGet, "/", nil, ut.Header{Key: "Origin", Value: testOrigin})
	resp := w.Result()
	assert.Equal(t, consts.StatusOK, resp.StatusCode())
	assert.JSONEq(t, `{"message":"CV Shortlisting API","version":"1.0.0"}`, string(resp.Body()))
	assert.Equal(t, "*", string(resp.Header.Peek("Access-Control-Allow-Origin")))
	assert.Equal(t, strings.ToLower(handler.HeaderRunID),
		strings.ToLower(string(resp.Header.Peek("Access-Control-Expose-Headers"))))

	for _, path := range []string{"/health", "/api/v1/health"} {
		w = ut.PerformRequest(h.Engine, consts.MethodGet, path, nil)
		assert.Equal(t, consts.StatusOK, w.Result().StatusCode())
		assert.JSONEq(t, `{"status":"healthy"}`, string(w.Result().Body()))
	}
}

const testOrigin = "http://recruiter.example"

func TestReadiness(t *testing.T) {
	store, err := storage.NewSQLiteVectorStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	down := errors.New("dial tcp 127.0.0.1:11434: connect: connection refused")
	healthy := handler.ReadinessCheck{Name: "redis", Check: func(context.Context) error { return nil }}
	failing := handler.ReadinessCheck{Name: "ollama", Check: func(context.Context) error { return down }}

	h := server.Default()
	router.RegisterRoutes(h, handler.NewShortlistHandler(&stubShortlister{}, t.TempDir()), handler.NewAdminHandler(store),
		handler.NewReadinessHandler(healthy, failing))
	w := ut.PerformRequest(h.Engine, consts.MethodGet, "/ready", nil)
	assert.Equal(t, consts.StatusServiceUnavailable, w.Result().StatusCode())
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w.Result().Body(), &body)
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["redis"])
	assert.Equal(t, down.Error(), body.Checks["ollama"])

	h = server.Default()
	router.RegisterRoutes(h, handler.NewShortlistHandler(&stubShortlister{}, t.TempDir()), handler.NewAdminHandler(store),
		handler.NewReadinessHandler(healthy))
	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/ready", nil)
	assert.Equal(t, consts.StatusOK, w.Result().StatusCode())
	assert.JSONEq(t, `{"status":"ready","checks":{"redis":"ok"}}`, string(w.Result().Body()))
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newEngine(t, &stubShortlister{})

	w := ut.PerformRequest(h.Engine, consts.MethodOptions, "/api/v1/shortlist-cvs", nil,
		ut.Header{Key: "Origin", Value: testOrigin},
		ut.Header{Key: "Access-Control-Request-Method", Value: consts.MethodPost},
		ut.Header{Key: "Access-Control-Request-Headers", Value: "Content-Type"})
	resp := w.Result()
	assert.Equal(t, consts.StatusNoContent, resp.StatusCode())
	assert.Equal(t, "*", string(resp.Header.Peek("Access-Control-Allow-Origin")))
	assert.Contains(t, string(resp.Header.Peek("Access-Control-Allow-Methods")), consts.MethodPost)
	assert.Contains(t, string(resp.Header.Peek("Access-Control-Allow-Methods")), consts.MethodDelete)
	assert.Empty(t, resp.Body(), "预检请求不进入业务 handler")
}

func TestShortlistCVs_ParsesMultipartForm(t *testing.T) {
	jdSummary := "strong match"
	svc := &stubShortlister{resp: &types.ShortlistResponse{
		Success: true,
		Message: "Successfully shortlisted 1 candidates",
		ShortlistedCandidates: []types.CandidateSummary{{
			CandidateID: "candidate_1", Score: 0.42,
			Metadata:       map[string]string{"source": "jane.txt"},
			ContentPreview: "5 years Python",
		}},
		TotalCandidatesProcessed: 2,
		JDSummary:                &jdSummary,
		RunID:                    "run-123",
	}}
	h, _ := newEngine(t, svc)

	body, header := multipartBody(t, map[string]string{
		"num_shortlisted":    "3",
		"llm_provider":       "gemini",
		"embedding_provider": "local",
		"jd_text":            "Backend engineer",
	}, []formFile{
		{"jd_file", "jd.txt", "JD from file"},
		{"cv_files", "jane.txt", "5 years Python"},
		{"cv_files", "john.PDF", "%PDF-fake"},
	})
	w := ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/shortlist-cvs", body, header)
	resp := w.Result()
	require.Equal(t, consts.StatusOK, resp.StatusCode(), string(resp.Body()))
	assert.Equal(t, "run-123", string(resp.Header.Peek(handler.HeaderRunID)))

	got := svc.got
	assert.Equal(t, 3, got.NumShortlisted)
	assert.Equal(t, "gemini", got.LLMProvider)
	assert.Equal(t, "local", got.EmbeddingProvider)
	assert.Equal(t, "Backend engineer", got.JDText)
	require.NotNil(t, got.JDFile)
	assert.Equal(t, "jd.txt", got.JDFile.Filename)
	require.Len(t, got.CVFiles, 2)
	assert.Equal(t, "jane.txt", got.CVFiles[0].Filename)
	assert.True(t, strings.HasSuffix(got.CVFiles[1].Path, ".pdf"), "落盘文件保留扩展名")
	assert.Equal(t, "5 years Python", svc.contents["jane.txt"])
	assert.Equal(t, "JD from file", svc.contents["jd.txt"])

	_, err := os.Stat(got.CVFiles[0].Path)
	assert.True(t, os.IsNotExist(err), "请求结束后删除临时文件")

	var out map[string]any
	decode(t, resp.Body(), &out)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(2), out["total_candidates_processed"])
	assert.Equal(t, "strong match", out["jd_summary"])
	assert.NotContains(t, out, "job_description_id", "缺省字段省略")
	assert.NotContains(t, out, "RunID")
}

func TestShortlistCVs_FormErrors(t *testing.T) {
	h, _ := newEngine(t, &stubShortlister{})

	w := ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/shortlist-cvs",
		&ut.Body{Body: strings.NewReader("{}"), Len: 2}, ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, consts.StatusBadRequest, w.Result().StatusCode())

	body, header := multipartBody(t, map[string]string{"num_shortlisted": "three", "llm_provider": "openai"}, nil)
	w = ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/shortlist-cvs", body, header)
	assert.Equal(t, consts.StatusBadRequest, w.Result().StatusCode())
	assert.JSONEq(t, `{"detail":"num_shortlisted must be an integer"}`, string(w.Result().Body()))

	body, header = multipartBody(t, map[string]string{"llm_provider": "openai"}, nil)
	w = ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/shortlist-cvs", body, header)
	assert.JSONEq(t, `{"detail":"num_shortlisted is required"}`, string(w.Result().Body()))
}

func TestShortlistCVs_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"校验失败", processor.NewInvalidRequestError("At least one CV file must be provided"), 400, "At least one CV file must be provided"},
		{"没有内容", processor.NewNoContentError(processor.StageExtractingJD, "No valid JD content found"), 400, "No valid JD content found"},
		{"配置错误", processor.NewConfigurationError(processor.StageStoringJD,
			types.NewProviderError("openai", types.ErrMissingCredential, "OPENAI_API_KEY is required", nil)), 500,
			"Configuration error: openai: missing credential"},
		{"提供方错误", processor.NewProviderFailure(processor.StageEmbeddingCandidates,
			types.NewProviderError("ollama", types.ErrProviderUnavailable, "", errors.New("dial tcp: refused"))), 502,
			"Upstream provider error: ollama: provider unavailable"},
		{"内部错误", processor.NewInternalError(processor.StageQueryingSimilarity, errors.New("disk I/O error at /var/lib")), 500, "Internal server error"},
		{"未分类错误", errors.New("boom"), 500, "Internal server error"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newEngine(t, &stubShortlister{err: tc.err})
			body, header := multipartBody(t, map[string]string{"num_shortlisted": "1", "llm_provider": "openai"},
				[]formFile{{"cv_files", "cv.txt", "text"}})
			w := ut.PerformRequest(h.Engine, consts.MethodPost, "/api/v1/shortlist-cvs", body, header)
			assert.Equal(t, tc.status, w.Result().StatusCode())

			var out handler.ErrorResponse
			decode(t, w.Result().Body(), &out)
			assert.Equal(t, tc.detail, out.Detail)
			assert.NotContains(t, out.Detail, "/var/lib", "不暴露内部细节")
		})
	}
}

func TestAdminCollections(t *testing.T) {
	h, store := newEngine(t, &stubShortlister{})
	ctx := context.Background()

	ids, err := store.Store(ctx, constants.CollectionResumes, []types.StoredRecord{{
		Content:   strings.Repeat("x", 250),
		Metadata:  map[string]string{"source": "cv.txt", "doc_type": "resume", "page": "1"},
		Embedding: []float32{1, 0},
	}})
	require.NoError(t, err)

	w := ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/admin/collections", nil)
	require.Equal(t, consts.StatusOK, w.Result().StatusCode())
	var listed struct {
		Collections []handler.CollectionView `json:"collections"`
	}
	decode(t, w.Result().Body(), &listed)
	require.Len(t, listed.Collections, 2)
	assert.Equal(t, constants.CollectionResumes, listed.Collections[0].Name)
	assert.Equal(t, 1, listed.Collections[0].Count)
	assert.Equal(t, 2, listed.Collections[0].Dimension)
	require.Len(t, listed.Collections[0].Records, 1)
	assert.Equal(t, strings.Repeat("x", 200)+"...", listed.Collections[0].Records[0].ContentPreview)
	assert.Equal(t, constants.CollectionJobDescriptions, listed.Collections[1].Name)
	assert.Zero(t, listed.Collections[1].Count)

	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/admin/collections/resumes/records/"+ids[0], nil)
	require.Equal(t, consts.StatusOK, w.Result().StatusCode())
	var rec types.StoredRecord
	decode(t, w.Result().Body(), &rec)
	assert.Equal(t, ids[0], rec.ID)
	assert.Equal(t, strings.Repeat("x", 250), rec.Content)
	assert.Equal(t, "cv.txt", rec.Metadata["source"])

	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/admin/collections/resumes/records/missing", nil)
	assert.Equal(t, consts.StatusNotFound, w.Result().StatusCode())

	w = ut.PerformRequest(h.Engine, consts.MethodDelete, "/api/v1/admin/collections", nil)
	require.Equal(t, consts.StatusOK, w.Result().StatusCode())

	snap, err := store.Snapshot(ctx, constants.CollectionResumes)
	require.NoError(t, err)
	assert.Zero(t, snap.Count)
}

func TestAdminGetRun(t *testing.T) {
	run := &models.ShortlistRun{
		RunID:             "run-1",
		Status:            models.RunStatusSucceeded,
		LLMProvider:       "openai",
		EmbeddingProvider: "local",
		NumRequested:      2,
		NumShortlisted:    2,
		TotalProcessed:    3,
		CandidatesJSON:    datatypes.JSON(`[{"candidate_id":"candidate_1","score":0.9}]`),
		CreatedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	h, _ := newEngine(t, &stubShortlister{}, handler.WithRunReader(stubRunReader{runs: map[string]*models.ShortlistRun{"run-1": run}}))

	w := ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/admin/runs/run-1", nil)
	require.Equal(t, consts.StatusOK, w.Result().StatusCode(), string(w.Result().Body()))
	var view handler.RunView
	decode(t, w.Result().Body(), &view)
	assert.Equal(t, "run-1", view.RunID)
	assert.Equal(t, models.RunStatusSucceeded, view.Status)
	assert.Equal(t, 3, view.TotalProcessed)
	assert.JSONEq(t, `[{"candidate_id":"candidate_1","score":0.9}]`, string(view.Candidates))
	assert.Equal(t, "2026-01-02T03:04:05Z", view.CreatedAt)

	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/admin/runs/missing", nil)
	assert.Equal(t, consts.StatusNotFound, w.Result().StatusCode())
	assert.JSONEq(t, `{"detail":"Run not found"}`, string(w.Result().Body()))

	// 未配置运行记录
	h, _ = newEngine(t, &stubShortlister{})
	w = ut.PerformRequest(h.Engine, consts.MethodGet, "/api/v1/admin/runs/run-1", nil)
	assert.Equal(t, consts.StatusNotFound, w.Result().StatusCode())
	assert.JSONEq(t, `{"detail":"Run ledger is not configured"}`, string(w.Result().Body()))
}

func TestStatusFor(t *testing.T) {
	status, detail := handler.StatusFor(processor.NewInvalidRequestError("LLM provider must be 'openai' or 'gemini'"))
	assert.Equal(t, consts.StatusBadRequest, status)
	assert.Equal(t, "LLM provider must be 'openai' or 'gemini'", detail)

	status, _ = handler.StatusFor(context.DeadlineExceeded)
	assert.Equal(t, consts.StatusInternalServerError, status)
}
