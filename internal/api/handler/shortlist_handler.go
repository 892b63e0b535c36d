package handler

import (
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

// 表单字段
const (
	FieldNumShortlisted    = "num_shortlisted"
	FieldLLMProvider       = "llm_provider"
	FieldEmbeddingProvider = "embedding_provider"
	FieldJDText            = "jd_text"
	FieldJDFile            = "jd_file"
	FieldCVFiles           = "cv_files"
)

// HeaderRunID 本次筛选的 run id，可用于查询运行记录
const HeaderRunID = "X-Shortlist-Run-ID"

// Shortlister 执行筛选
type Shortlister interface {
	Shortlist(ctx context.Context, req types.ShortlistRequest) (*types.ShortlistResponse, error)
}

// ShortlistHandler 处理简历筛选请求
type ShortlistHandler struct {
	service Shortlister
	tempDir string // 为空时使用系统临时目录
	logger  zerolog.Logger
}

// NewShortlistHandler 创建 ShortlistHandler
func NewShortlistHandler(service Shortlister, tempDir string) *ShortlistHandler {
	return &ShortlistHandler{
		service: service,
		tempDir: tempDir,
		logger:  logger.Component("shortlist-handler"),
	}
}

// HandleShortlistCVs 处理 multipart 筛选请求。
// POST /api/v1/shortlist-cvs
func (h *ShortlistHandler) HandleShortlistCVs(ctx context.Context, c *app.RequestContext) {
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, consts.StatusBadRequest, "Request must be multipart/form-data")
		return
	}

	numRaw := strings.TrimSpace(firstValue(form, FieldNumShortlisted))
	if numRaw == "" {
		writeError(c, consts.StatusBadRequest, "num_shortlisted is required")
		return
	}
	num, err := strconv.Atoi(numRaw)
	if err != nil {
		writeError(c, consts.StatusBadRequest, "num_shortlisted must be an integer")
		return
	}

	// 上传文件在请求结束后统一删除
	workDir, err := os.MkdirTemp(h.tempDir, "shortlist-*")
	if err != nil {
		h.logger.Error().Err(err).Msg("创建临时目录失败")
		writeError(c, consts.StatusInternalServerError, "Internal server error")
		return
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			h.logger.Warn().Err(err).Str("dir", workDir).Msg("清理临时目录失败")
		}
	}()

	req := types.ShortlistRequest{
		NumShortlisted:    num,
		LLMProvider:       firstValue(form, FieldLLMProvider),
		EmbeddingProvider: firstValue(form, FieldEmbeddingProvider),
		JDText:            firstValue(form, FieldJDText),
	}

	if files := form.File[FieldJDFile]; len(files) > 0 && files[0].Filename != "" {
		saved, err := h.saveUpload(c, files[0], filepath.Join(workDir, "jd"), 0)
		if err != nil {
			h.logger.Error().Err(err).Str("file", files[0].Filename).Msg("保存 JD 文件失败")
			writeError(c, consts.StatusInternalServerError, "Internal server error")
			return
		}
		req.JDFile = &saved
	}

	for i, fh := range form.File[FieldCVFiles] {
		if fh.Filename == "" {
			continue
		}
		saved, err := h.saveUpload(c, fh, filepath.Join(workDir, "cvs"), i)
		if err != nil {
			h.logger.Error().Err(err).Str("file", fh.Filename).Msg("保存简历文件失败")
			writeError(c, consts.StatusInternalServerError, "Internal server error")
			return
		}
		req.CVFiles = append(req.CVFiles, saved)
	}

	resp, err := h.service.Shortlist(ctx, req)
	if err != nil {
		status, detail := StatusFor(err)
		if status >= consts.StatusInternalServerError {
			h.logger.Error().Err(err).Int("status", status).Msg("筛选请求失败")
		}
		writeError(c, status, detail)
		return
	}
	if resp.RunID != "" {
		c.Header(HeaderRunID, resp.RunID)
	}
	c.JSON(consts.StatusOK, resp)
}

// saveUpload 以序号命名落盘，只保留扩展名，供 loader 按扩展名分派
func (h *ShortlistHandler) saveUpload(c *app.RequestContext, fh *multipart.FileHeader, dir string, index int) (types.UploadedFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.UploadedFile{}, err
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	dst := filepath.Join(dir, fmt.Sprintf("%03d%s", index, ext))
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		return types.UploadedFile{}, err
	}
	return types.UploadedFile{Filename: fh.Filename, Path: dst}, nil
}

func firstValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
