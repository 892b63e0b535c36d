package processor

import (
	"context"
	"errors"
	"fmt"

	"cv-shortlister/internal/types"
)

// 错误种类，handler 按种类映射 HTTP 状态码
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNoContentExtracted = errors.New("no content extracted")
	ErrConfiguration      = errors.New("configuration error")
	ErrProviderFailed     = errors.New("provider error")
	ErrInternal           = errors.New("internal error")
)

// 处理阶段
const (
	StageValidatingInput       = "validating_input"
	StageExtractingJD          = "extracting_jd"
	StageStoringJD             = "storing_jd"
	StageExtractingCandidates  = "extracting_candidates"
	StageEmbeddingCandidates   = "embedding_and_storing_candidates"
	StageQueryingSimilarity    = "querying_similarity"
	StageAssemblingResults     = "assembling_results"
	StageSummarizing           = "summarizing"
	StageRecordingRun          = "recording_run"
	StageArchivingUploadedFile = "archiving"
)

// ShortlistError 筛选流程中的致命错误。
// Kind 是上面的错误种类之一，BaseErr 是底层原因（可为 nil），Detail 是可以返回给调用方的说明。
type ShortlistError struct {
	Stage   string
	Kind    error
	BaseErr error
	Detail  string
}

func (e *ShortlistError) Error() string {
	msg := fmt.Sprintf("%v (阶段:%s)", e.Kind, e.Stage)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.BaseErr != nil {
		msg += ": " + e.BaseErr.Error()
	}
	return msg
}

func (e *ShortlistError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口，同时匹配错误种类与底层原因
func (e *ShortlistError) Is(target error) bool {
	return e.Kind == target || (e.BaseErr != nil && errors.Is(e.BaseErr, target))
}

// PublicMessage 返回不含内部细节的说明
func (e *ShortlistError) PublicMessage() string {
	switch e.Kind {
	case ErrInvalidRequest, ErrNoContentExtracted:
		return e.Detail
	case ErrConfiguration:
		if e.Detail != "" {
			return "Configuration error: " + e.Detail
		}
		return "Configuration error"
	case ErrProviderFailed:
		if e.Detail != "" {
			return "Upstream provider error: " + e.Detail
		}
		return "Upstream provider error"
	default:
		return "Internal server error"
	}
}

// 错误构造函数
func NewInvalidRequestError(detail string) error {
	return &ShortlistError{
		Stage:  StageValidatingInput,
		Kind:   ErrInvalidRequest,
		Detail: detail,
	}
}

func NewNoContentError(stage, detail string) error {
	return &ShortlistError{
		Stage:  stage,
		Kind:   ErrNoContentExtracted,
		Detail: detail,
	}
}

func NewConfigurationError(stage string, err error) error {
	return &ShortlistError{
		Stage:   stage,
		Kind:    ErrConfiguration,
		BaseErr: err,
		Detail:  providerDetail(err),
	}
}

func NewProviderFailure(stage string, err error) error {
	return &ShortlistError{
		Stage:   stage,
		Kind:    ErrProviderFailed,
		BaseErr: err,
		Detail:  providerDetail(err),
	}
}

func NewInternalError(stage string, err error) error {
	return &ShortlistError{
		Stage:   stage,
		Kind:    ErrInternal,
		BaseErr: err,
	}
}

// classifyStageError 把致命阶段中的错误归类
func classifyStageError(stage string, err error) error {
	var se *ShortlistError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, types.ErrMissingCredential), errors.Is(err, types.ErrUnknownProvider):
		return NewConfigurationError(stage, err)
	case errors.Is(err, types.ErrProviderUnavailable), errors.Is(err, types.ErrMalformedResponse):
		return NewProviderFailure(stage, err)
	case errors.Is(err, context.DeadlineExceeded):
		return &ShortlistError{Stage: stage, Kind: ErrProviderFailed, BaseErr: err, Detail: "request timed out"}
	default:
		return NewInternalError(stage, err)
	}
}

// providerDetail 只暴露提供方名称与错误种类
func providerDetail(err error) string {
	var pe *types.ProviderError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%s: %v", pe.Provider, pe.Kind)
	}
	switch {
	case errors.Is(err, types.ErrMissingCredential):
		return types.ErrMissingCredential.Error()
	case errors.Is(err, types.ErrUnknownProvider):
		return types.ErrUnknownProvider.Error()
	}
	return ""
}
