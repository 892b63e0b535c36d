package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/embedding"
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/storage"
	"cv-shortlister/internal/storage/models"
	"cv-shortlister/internal/tracing"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("cv-shortlister/processor")

// 组件缺失错误
var (
	ErrLoaderNotInit    = errors.New("document loader is not initialized")
	ErrStoreNotInit     = errors.New("vector store is not initialized")
	ErrEmbeddersNotInit = errors.New("embedding factory is not initialized")
	ErrLLMsNotInit      = errors.New("llm provider is not initialized")
)

// 返回给调用方的固定说明
const (
	msgMissingJD          = "Either JD text or JD file must be provided"
	msgMissingCVs         = "At least one CV file must be provided"
	msgInvalidLLM         = "LLM provider must be 'openai' or 'gemini'"
	msgInvalidEmbedding   = "Embedding provider must be 'openai', 'gemini', 'local', or 'ollama'"
	msgNoJDContent        = "No valid JD content found"
	msgNoCVContent        = "No valid CV content found"
	msgNoMatches          = "No matching CVs found"
	msgShortlistedPattern = "Successfully shortlisted %d candidates"
	jdTextSource          = "jd_text"
)

var (
	validLLMProviders       = map[string]bool{"openai": true, "gemini": true}
	validEmbeddingProviders = map[string]bool{"openai": true, "gemini": true, "local": true, "ollama": true}
)

// ShortlistService 把 JD 与候选简历转换为按相似度排序的候选人列表
type ShortlistService struct {
	components Components
	settings   Settings
	summarizer *Summarizer
	logger     zerolog.Logger
}

// NewShortlistService 创建服务，settings 之后再应用 opts
func NewShortlistService(components Components, settings Settings, opts ...SettingOpt) (*ShortlistService, error) {
	switch {
	case components.Loader == nil:
		return nil, ErrLoaderNotInit
	case components.Store == nil:
		return nil, ErrStoreNotInit
	case components.Embedders == nil:
		return nil, ErrEmbeddersNotInit
	case components.LLMs == nil:
		return nil, ErrLLMsNotInit
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.MaxShortlisted <= 0 || settings.MaxShortlisted > constants.MaxShortlisted {
		settings.MaxShortlisted = constants.MaxShortlisted
	}
	if settings.EmbedWorkers <= 0 {
		settings.EmbedWorkers = 1
	}
	// 模型调用预算不超过请求超时的四分之一，剩余时间留给向量化与检索
	if limit := settings.RequestTimeout / 4; limit > 0 && (settings.EnrichmentTimeout <= 0 || settings.EnrichmentTimeout > limit) {
		settings.EnrichmentTimeout = limit
	}

	return &ShortlistService{
		components: components,
		settings:   settings,
		summarizer: NewSummarizer(components.Store, settings.SummaryTopK, settings.SummaryContextChars),
		logger:     logger.Component("shortlist-service"),
	}, nil
}

// runState 单次请求的中间状态
type runState struct {
	runID    string
	start    time.Time
	req      types.ShortlistRequest
	log      zerolog.Logger
	embedder embedding.Provider
	llm      *llmGuard
	jdText   string
	jdSource string
	jdVector []float32
	jdID     string
	passages []types.Passage
	archived []string
	response *types.ShortlistResponse
	results  []types.QueryResult
}

// Shortlist 执行一次完整的筛选流程。
// 返回的 error 总是 *ShortlistError；查询无命中不是错误，而是 success=false 的响应。
func (s *ShortlistService) Shortlist(ctx context.Context, req types.ShortlistRequest) (*types.ShortlistResponse, error) {
	ctx, span := tracer.Start(ctx, "ShortlistService.Shortlist")
	defer span.End()

	if s.settings.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.RequestTimeout)
		defer cancel()
	}

	st := &runState{runID: uuid.NewString(), start: time.Now()}
	st.log = s.logger.With().Str("run_id", st.runID).Logger()
	span.SetAttributes(attribute.String("shortlist.run_id", st.runID))

	resp, err := s.run(ctx, st, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		tracing.RecordError(span, err, errorTypeOf(err))
		st.log.Warn().Err(err).Msg("筛选请求失败")
		return nil, err
	}
	resp.RunID = st.runID

	span.SetAttributes(
		attribute.Bool("shortlist.success", resp.Success),
		attribute.Int("shortlist.processed", resp.TotalCandidatesProcessed),
		attribute.Int("shortlist.returned", len(resp.ShortlistedCandidates)),
	)
	st.log.Info().
		Bool("success", resp.Success).
		Int("processed", resp.TotalCandidatesProcessed).
		Int("returned", len(resp.ShortlistedCandidates)).
		Dur("duration", time.Since(st.start)).
		Msg("筛选请求完成")
	return resp, nil
}

func (s *ShortlistService) run(ctx context.Context, st *runState, req types.ShortlistRequest) (*types.ShortlistResponse, error) {
	var err error
	st.enter(ctx, StageValidatingInput)
	if st.req, err = s.validate(req); err != nil {
		return nil, err
	}
	st.enter(ctx, StageExtractingJD)
	if err = s.extractJD(ctx, st); err != nil {
		return nil, err
	}
	st.enter(ctx, StageStoringJD)
	if err = s.storeJD(ctx, st); err != nil {
		return nil, err
	}
	st.enter(ctx, StageExtractingCandidates)
	if err = s.extractCandidates(ctx, st); err != nil {
		return nil, err
	}
	st.enter(ctx, StageEmbeddingCandidates)
	if err = s.embedAndStoreCandidates(ctx, st); err != nil {
		return nil, err
	}
	st.enter(ctx, StageQueryingSimilarity)
	if err = s.querySimilarity(ctx, st); err != nil {
		return nil, err
	}
	if len(st.results) == 0 {
		st.response = &types.ShortlistResponse{
			Success:                  false,
			Message:                  msgNoMatches,
			ShortlistedCandidates:    []types.CandidateSummary{},
			TotalCandidatesProcessed: len(st.passages),
		}
		s.finish(ctx, st, models.RunStatusNoMatches)
		return st.response, nil
	}

	st.enter(ctx, StageAssemblingResults)
	s.assembleResults(st)
	st.enter(ctx, StageSummarizing)
	s.summarize(ctx, st)
	s.finish(ctx, st, models.RunStatusSucceeded)
	return st.response, nil
}

// enter 记录进入的阶段：span 事件加 debug 日志
func (st *runState) enter(ctx context.Context, stage string) {
	trace.SpanFromContext(ctx).AddEvent("shortlist.stage", trace.WithAttributes(attribute.String("stage", stage)))
	st.log.Debug().Str("stage", stage).Msg("进入阶段")
}

// validate 校验请求并返回规范化后的副本，不做任何外部调用
func (s *ShortlistService) validate(req types.ShortlistRequest) (types.ShortlistRequest, error) {
	req.JDText = strings.TrimSpace(req.JDText)
	req.LLMProvider = strings.ToLower(strings.TrimSpace(req.LLMProvider))
	req.EmbeddingProvider = strings.ToLower(strings.TrimSpace(req.EmbeddingProvider))
	if req.EmbeddingProvider == "" {
		req.EmbeddingProvider = strings.ToLower(s.components.Embedders.Default())
	}

	switch {
	case req.JDText == "" && req.JDFile == nil:
		return req, NewInvalidRequestError(msgMissingJD)
	case len(req.CVFiles) == 0:
		return req, NewInvalidRequestError(msgMissingCVs)
	case !validLLMProviders[req.LLMProvider]:
		return req, NewInvalidRequestError(msgInvalidLLM)
	case !validEmbeddingProviders[req.EmbeddingProvider]:
		return req, NewInvalidRequestError(msgInvalidEmbedding)
	case req.NumShortlisted < constants.MinShortlisted || req.NumShortlisted > s.settings.MaxShortlisted:
		return req, NewInvalidRequestError(fmt.Sprintf("num_shortlisted must be between %d and %d",
			constants.MinShortlisted, s.settings.MaxShortlisted))
	}
	return req, nil
}

// extractJD 上传的 JD 文件优先于文本字段
func (s *ShortlistService) extractJD(ctx context.Context, st *runState) error {
	st.jdText, st.jdSource = st.req.JDText, jdTextSource
	if f := st.req.JDFile; f != nil {
		passages, err := s.components.Loader.Load(ctx, f.Path, types.KindJobDescription, f.Filename)
		if err != nil {
			st.log.Warn().Err(err).Str("file", f.Filename).Msg("JD 文件解析失败")
			return NewNoContentError(StageExtractingJD, msgNoJDContent)
		}
		contents := make([]string, 0, len(passages))
		for _, p := range passages {
			contents = append(contents, p.Content)
		}
		st.jdText = strings.TrimSpace(strings.Join(contents, constants.PassageSeparator))
		st.jdSource = f.Filename
	}
	if st.jdText == "" {
		return NewNoContentError(StageExtractingJD, msgNoJDContent)
	}
	return nil
}

// storeJD JD 向量是后续查询的输入，向量化失败是致命错误；
// 元数据抽取与 JD 入库尽力而为，抽取失败是否终止请求由 enrichmentIsFatal 决定。
func (s *ShortlistService) storeJD(ctx context.Context, st *runState) error {
	ctx, span := tracer.Start(ctx, "ShortlistService.storeJD")
	defer span.End()

	emb, err := s.components.Embedders.New(ctx, st.req.EmbeddingProvider)
	if err != nil {
		return classifyStageError(StageStoringJD, err)
	}
	st.embedder = emb
	span.SetAttributes(attribute.String("embedding.provider", emb.Name()), attribute.String("embedding.model", emb.Model()))

	var en Enrichment
	chat, err := s.components.LLMs.New(ctx, st.req.LLMProvider)
	if err != nil {
		st.log.Warn().Err(err).Str("llm_provider", st.req.LLMProvider).Msg("生成模型不可用，跳过元数据抽取与摘要")
		en = newEnrichment(nil, err)
	} else {
		st.llm = newLLMGuard(chat, s.settings.EnrichmentTimeout)
		en = enrich(ctx, s.components.Extractor, st.llm, st.jdText)
	}
	if en.Fatal {
		return NewConfigurationError(StageStoringJD, en.Err)
	}
	if en.Err != nil && st.llm != nil {
		st.log.Warn().Err(en.Err).Msg("JD 元数据抽取失败，继续处理")
	}
	if cause := st.llm.trippedBy(); cause != nil {
		span.AddEvent("llm.circuit_open")
		st.log.Warn().Err(cause).Msg("生成模型熔断，本次请求不再调用")
	}

	st.jdVector, err = embedding.Embed(ctx, emb, st.jdText)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return classifyStageError(StageStoringJD, err)
	}

	jd := types.Passage{
		Content:    st.jdText,
		Source:     st.jdSource,
		Kind:       types.KindJobDescription,
		Attributes: en.Attributes,
	}
	ids, err := s.components.Store.Store(ctx, constants.CollectionJobDescriptions, []types.StoredRecord{{
		ID:        storage.NewRecordID(types.KindJobDescription, -1),
		Content:   jd.Content,
		Metadata:  jd.Metadata(),
		Embedding: st.jdVector,
	}})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		st.log.Warn().Err(err).Msg("JD 入库失败，继续处理")
		return nil
	}
	st.jdID = ids[0]
	return nil
}

// extractCandidates 单个文件解析失败只跳过该文件
func (s *ShortlistService) extractCandidates(ctx context.Context, st *runState) error {
	for _, f := range st.req.CVFiles {
		passages, err := s.components.Loader.Load(ctx, f.Path, types.KindResume, f.Filename)
		if err != nil {
			if ctx.Err() != nil {
				return classifyStageError(StageExtractingCandidates, ctx.Err())
			}
			st.log.Warn().Err(err).Str("file", f.Filename).Msg("简历解析失败，跳过")
			continue
		}
		st.passages = append(st.passages, passages...)
	}
	if len(st.passages) == 0 {
		return NewNoContentError(StageExtractingCandidates, msgNoCVContent)
	}
	return nil
}

// embedAndStoreCandidates ID 在并发前按输入顺序分配，入库顺序与输入一致
func (s *ShortlistService) embedAndStoreCandidates(ctx context.Context, st *runState) error {
	ctx, span := tracer.Start(ctx, "ShortlistService.embedAndStoreCandidates")
	defer span.End()
	span.SetAttributes(attribute.Int("candidates.passages", len(st.passages)))

	records := make([]types.StoredRecord, len(st.passages))
	for i := range records {
		records[i].ID = storage.NewRecordID(types.KindResume, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.settings.EmbedWorkers)
	for i := range st.passages {
		g.Go(func() error {
			p := st.passages[i]
			en := enrich(gctx, s.components.Extractor, st.llm, p.Content)
			if en.Err != nil {
				st.log.Debug().Err(en.Err).Str("source", p.Source).Msg("简历元数据抽取失败，使用空属性")
			}
			p.Attributes = en.Attributes

			vec, err := embedding.Embed(gctx, st.embedder, p.Content)
			if err != nil {
				return fmt.Errorf("向量化 %s 第 %d 段失败: %w", p.Source, p.SequenceIndex+1, err)
			}
			records[i].Content = p.Content
			records[i].Metadata = p.Metadata()
			records[i].Embedding = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return classifyStageError(StageEmbeddingCandidates, err)
	}

	if _, err := s.components.Store.Store(ctx, constants.CollectionResumes, records); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		if errors.Is(err, storage.ErrDimensionMismatch) {
			return &ShortlistError{
				Stage:   StageEmbeddingCandidates,
				Kind:    ErrConfiguration,
				BaseErr: err,
				Detail:  fmt.Sprintf("embedding dimension of %s does not match the stored collection", st.embedder.Name()),
			}
		}
		return classifyStageError(StageEmbeddingCandidates, err)
	}
	return nil
}

// querySimilarity 返回数量不超过 min(num_shortlisted, 本次处理的段落数)
func (s *ShortlistService) querySimilarity(ctx context.Context, st *runState) error {
	k := min(st.req.NumShortlisted, len(st.passages))
	results, err := s.components.Store.Query(ctx, constants.CollectionResumes, st.jdVector, k)
	if err != nil {
		if errors.Is(err, storage.ErrDimensionMismatch) {
			return &ShortlistError{Stage: StageQueryingSimilarity, Kind: ErrConfiguration, BaseErr: err,
				Detail: "query dimension does not match the stored collection"}
		}
		return classifyStageError(StageQueryingSimilarity, err)
	}
	if len(results) > k {
		results = results[:k]
	}
	st.results = results
	return nil
}

func (s *ShortlistService) assembleResults(st *runState) {
	candidates := make([]types.CandidateSummary, 0, len(st.results))
	for idx, r := range st.results {
		candidates = append(candidates, types.CandidateSummary{
			CandidateID:    fmt.Sprintf("candidate_%d", idx+1),
			Score:          RoundScore(r.Score()),
			Metadata:       r.Metadata,
			ContentPreview: Preview(r.Content, s.settings.PreviewChars),
		})
	}
	st.response = &types.ShortlistResponse{
		Success:                  true,
		Message:                  fmt.Sprintf(msgShortlistedPattern, len(candidates)),
		ShortlistedCandidates:    candidates,
		TotalCandidatesProcessed: len(st.passages),
	}
	if st.jdID != "" {
		id := st.jdID
		st.response.JobDescriptionID = &id
	}
}

// summarize 任何失败都只记录日志并省略 jd_summary；模型已熔断时直接跳过
func (s *ShortlistService) summarize(ctx context.Context, st *runState) {
	if !st.llm.available() {
		if cause := st.llm.trippedBy(); cause != nil {
			st.log.Debug().Err(cause).Str("stage", StageSummarizing).Msg("生成模型已熔断，跳过摘要")
		}
		return
	}
	summary, err := guardedCall(ctx, st.llm, func(cctx context.Context, chat model.BaseChatModel) (string, error) {
		return s.summarizer.Summarize(cctx, chat, st.jdText, st.jdVector)
	})
	if err != nil {
		st.log.Warn().Err(err).Str("stage", StageSummarizing).Msg("生成摘要失败，跳过")
		return
	}
	st.response.JDSummary = &summary
}

// finish 归档上传文件并写入运行记录，均为尽力而为
func (s *ShortlistService) finish(ctx context.Context, st *runState, status string) {
	s.archiveUploads(ctx, st)
	s.recordRun(ctx, st, status)
}

func (s *ShortlistService) archiveUploads(ctx context.Context, st *runState) {
	if s.components.Archiver == nil {
		return
	}
	st.enter(ctx, StageArchivingUploadedFile)
	archive := func(role string, index int, f types.UploadedFile) {
		key, _, err := s.components.Archiver.ArchiveFile(ctx, st.runID, role, index, f.Filename, f.Path)
		if err != nil {
			st.log.Warn().Err(err).Str("stage", StageArchivingUploadedFile).Str("file", f.Filename).Msg("归档上传文件失败")
			return
		}
		st.archived = append(st.archived, key)
	}
	if st.req.JDFile != nil {
		archive(storage.ArchiveRoleJD, 0, *st.req.JDFile)
	}
	for i, f := range st.req.CVFiles {
		archive(storage.ArchiveRoleCVs, i, f)
	}
}

func (s *ShortlistService) recordRun(ctx context.Context, st *runState, status string) {
	if s.components.Recorder == nil {
		return
	}
	st.enter(ctx, StageRecordingRun)
	resp := st.response

	refs := make([]storage.ShortlistedCandidateRef, 0, len(resp.ShortlistedCandidates))
	for _, c := range resp.ShortlistedCandidates {
		refs = append(refs, storage.ShortlistedCandidateRef{
			CandidateID: c.CandidateID,
			Score:       c.Score,
			Source:      c.Metadata[types.MetaSource],
			Page:        c.Metadata[types.MetaPage],
		})
	}
	candidatesJSON, err := json.Marshal(refs)
	if err != nil {
		st.log.Warn().Err(err).Msg("序列化候选人列表失败")
		return
	}
	archivedJSON, err := json.Marshal(st.archived)
	if err != nil {
		st.log.Warn().Err(err).Msg("序列化归档列表失败")
		return
	}

	run := &models.ShortlistRun{
		RunID:             st.runID,
		Status:            status,
		LLMProvider:       st.req.LLMProvider,
		EmbeddingProvider: st.req.EmbeddingProvider,
		EmbeddingModel:    st.embedder.Model(),
		NumRequested:      st.req.NumShortlisted,
		NumShortlisted:    len(resp.ShortlistedCandidates),
		TotalProcessed:    resp.TotalCandidatesProcessed,
		CVFileCount:       len(st.req.CVFiles),
		JobDescriptionID:  st.jdID,
		HasSummary:        resp.JDSummary != nil,
		CandidatesJSON:    datatypes.JSON(candidatesJSON),
		ArchivedObjects:   datatypes.JSON(archivedJSON),
		Message:           resp.Message,
		DurationMS:        time.Since(st.start).Milliseconds(),
	}

	var event *models.OutboxMessage
	if s.settings.EventsExchange != "" {
		event, err = storage.NewOutboxMessage(storage.ShortlistCompletedMessage{
			RunID:                    st.runID,
			Success:                  resp.Success,
			LLMProvider:              st.req.LLMProvider,
			EmbeddingProvider:        st.req.EmbeddingProvider,
			TotalCandidatesProcessed: resp.TotalCandidatesProcessed,
			Candidates:               refs,
			JobDescriptionID:         st.jdID,
			ArchivedObjects:          st.archived,
			CompletedAt:              time.Now().UTC(),
		}, s.settings.EventsExchange, s.settings.CompletedRoutingKey)
		if err != nil {
			st.log.Warn().Err(err).Msg("构造完成事件失败")
		}
	}

	if err := s.components.Recorder.RecordRun(ctx, run, event); err != nil {
		st.log.Warn().Err(err).Str("stage", StageRecordingRun).Msg("写入运行记录失败")
	}
}

// RoundScore 保留三位小数
func RoundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}

// Preview 取前 n 个字符，只有被截断时才追加省略号
func Preview(content string, n int) string {
	runes := []rune(content)
	if n <= 0 || len(runes) <= n {
		return content
	}
	return string(runes[:n]) + constants.PreviewEllipsis
}

func errorTypeOf(err error) tracing.ErrorType {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNoContentExtracted):
		return tracing.ErrorTypeValidation
	case errors.Is(err, ErrConfiguration):
		return tracing.ErrorTypeConfiguration
	case errors.Is(err, ErrProviderFailed):
		return tracing.ErrorTypeExternal
	default:
		return tracing.ErrorTypeInternal
	}
}
