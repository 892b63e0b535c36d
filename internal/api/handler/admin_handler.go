package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/processor"
	"cv-shortlister/internal/storage"
	"cv-shortlister/internal/storage/models"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

const adminPreviewChars = 200

// RecordView 管理接口中的记录，不含向量
type RecordView struct {
	ID             string            `json:"id"`
	ContentPreview string            `json:"content_preview"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      string            `json:"created_at,omitempty"`
}

// CollectionView 管理接口中的集合
type CollectionView struct {
	Name      string       `json:"name"`
	Dimension int          `json:"dimension"`
	Count     int          `json:"count"`
	Records   []RecordView `json:"records"`
}

// RunView 运行记录
type RunView struct {
	RunID             string          `json:"run_id"`
	Status            string          `json:"status"`
	LLMProvider       string          `json:"llm_provider"`
	EmbeddingProvider string          `json:"embedding_provider"`
	EmbeddingModel    string          `json:"embedding_model,omitempty"`
	NumRequested      int             `json:"num_requested"`
	NumShortlisted    int             `json:"num_shortlisted"`
	TotalProcessed    int             `json:"total_candidates_processed"`
	CVFileCount       int             `json:"cv_file_count"`
	JobDescriptionID  string          `json:"job_description_id,omitempty"`
	HasSummary        bool            `json:"has_summary"`
	Candidates        json.RawMessage `json:"candidates,omitempty"`
	ArchivedObjects   json.RawMessage `json:"archived_objects,omitempty"`
	Message           string          `json:"message"`
	DurationMS        int64           `json:"duration_ms"`
	CreatedAt         string          `json:"created_at,omitempty"`
}

// RunReader 读取运行记录，由 MySQL 实现
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.ShortlistRun, error)
}

// AdminHandler 列出、查看与清空向量集合，查询运行记录
type AdminHandler struct {
	store       storage.VectorStore
	runs        RunReader // 未配置 MySQL 时为 nil
	collections []string
	logger      zerolog.Logger
}

// AdminOption AdminHandler 选项
type AdminOption func(*AdminHandler)

// WithRunReader 启用运行记录查询
func WithRunReader(r RunReader) AdminOption {
	return func(h *AdminHandler) { h.runs = r }
}

// NewAdminHandler 创建 AdminHandler
func NewAdminHandler(store storage.VectorStore, opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{
		store:       store,
		collections: constants.Collections,
		logger:      logger.Component("admin-handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleListCollections 列出所有集合及其内容。
// GET /api/v1/admin/collections
func (h *AdminHandler) HandleListCollections(ctx context.Context, c *app.RequestContext) {
	views := make([]CollectionView, 0, len(h.collections))
	for _, name := range h.collections {
		snap, err := h.store.Snapshot(ctx, name)
		if err != nil {
			h.logger.Error().Err(err).Str("collection", name).Msg("读取集合失败")
			writeError(c, consts.StatusInternalServerError, "Internal server error")
			return
		}
		views = append(views, collectionView(snap))
	}
	c.JSON(consts.StatusOK, utils.H{"collections": views})
}

// HandlePurgeCollections 清空所有集合。
// DELETE /api/v1/admin/collections
func (h *AdminHandler) HandlePurgeCollections(ctx context.Context, c *app.RequestContext) {
	for _, name := range h.collections {
		if err := h.store.Purge(ctx, name); err != nil {
			h.logger.Error().Err(err).Str("collection", name).Msg("清空集合失败")
			writeError(c, consts.StatusInternalServerError, "Internal server error")
			return
		}
	}
	h.logger.Info().Strs("collections", h.collections).Msg("已清空所有集合")
	c.JSON(consts.StatusOK, utils.H{"message": "All collections purged", "collections": h.collections})
}

// HandleGetRecord 按 ID 读取一条记录，返回完整正文。
// GET /api/v1/admin/collections/:name/records/:id
func (h *AdminHandler) HandleGetRecord(ctx context.Context, c *app.RequestContext) {
	name, id := c.Param("name"), c.Param("id")
	rec, err := h.store.GetByID(ctx, name, id)
	switch {
	case errors.Is(err, storage.ErrInvalidCollection):
		writeError(c, consts.StatusBadRequest, "Invalid collection name")
		return
	case errors.Is(err, storage.ErrRecordNotFound):
		writeError(c, consts.StatusNotFound, "Record not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("collection", name).Str("id", id).Msg("读取记录失败")
		writeError(c, consts.StatusInternalServerError, "Internal server error")
		return
	}
	c.JSON(consts.StatusOK, rec)
}

// HandleGetRun 按 run id 读取运行记录。
// GET /api/v1/admin/runs/:run_id
func (h *AdminHandler) HandleGetRun(ctx context.Context, c *app.RequestContext) {
	if h.runs == nil {
		writeError(c, consts.StatusNotFound, "Run ledger is not configured")
		return
	}
	runID := c.Param("run_id")
	run, err := h.runs.GetRun(ctx, runID)
	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		writeError(c, consts.StatusNotFound, "Run not found")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("run_id", runID).Msg("读取运行记录失败")
		writeError(c, consts.StatusInternalServerError, "Internal server error")
		return
	}
	c.JSON(consts.StatusOK, runView(run))
}

func runView(run *models.ShortlistRun) RunView {
	view := RunView{
		RunID:             run.RunID,
		Status:            run.Status,
		LLMProvider:       run.LLMProvider,
		EmbeddingProvider: run.EmbeddingProvider,
		EmbeddingModel:    run.EmbeddingModel,
		NumRequested:      run.NumRequested,
		NumShortlisted:    run.NumShortlisted,
		TotalProcessed:    run.TotalProcessed,
		CVFileCount:       run.CVFileCount,
		JobDescriptionID:  run.JobDescriptionID,
		HasSummary:        run.HasSummary,
		Message:           run.Message,
		DurationMS:        run.DurationMS,
	}
	if len(run.CandidatesJSON) > 0 {
		view.Candidates = json.RawMessage(run.CandidatesJSON)
	}
	if len(run.ArchivedObjects) > 0 {
		view.ArchivedObjects = json.RawMessage(run.ArchivedObjects)
	}
	if !run.CreatedAt.IsZero() {
		view.CreatedAt = run.CreatedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func collectionView(snap types.CollectionSnapshot) CollectionView {
	records := make([]RecordView, 0, len(snap.Records))
	for _, r := range snap.Records {
		view := RecordView{
			ID:             r.ID,
			ContentPreview: processor.Preview(r.Content, adminPreviewChars),
			Metadata:       r.Metadata,
		}
		if !r.CreatedAt.IsZero() {
			view.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
		}
		records = append(records, view)
	}
	return CollectionView{Name: snap.Name, Dimension: snap.Dimension, Count: snap.Count, Records: records}
}
