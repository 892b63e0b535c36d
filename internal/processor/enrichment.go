package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"cv-shortlister/internal/parser"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/eino/components/model"
)

// Enrichment 一次元数据抽取的结果。
// Attributes 总是包含 schema 的全部键；Err 是抽取失败的原因；Fatal 表示该错误需要终止请求。
type Enrichment struct {
	Attributes map[string]string
	Err        error
	Fatal      bool
}

// enrichmentIsFatal 集中描述抽取失败的处理策略：
// 缺少凭证、提供方不可用等错误一律只记录日志，抽取结果置空，请求继续；
// 只有部署本身不认识已通过校验的提供方名称时才终止请求。
// 回复格式问题已在 MetadataExtractor 内部吸收，不会出现在这里。
func enrichmentIsFatal(err error) bool {
	return err != nil && errors.Is(err, types.ErrUnknownProvider)
}

// newEnrichment 根据策略包装抽取结果，attrs 为 nil 时补全空属性
func newEnrichment(attrs map[string]string, err error) Enrichment {
	if attrs == nil {
		attrs = parser.CandidateSchema.Empty()
	}
	return Enrichment{
		Attributes: attrs,
		Err:        err,
		Fatal:      enrichmentIsFatal(err),
	}
}

// llmGuard 单次请求内对生成模型调用的保护。
// 每次调用有独立的时间预算，不占用向量化与检索所需的请求时间；
// 一次超时、提供方不可用或凭证被拒之后熔断，本次请求剩余的模型调用全部跳过。
type llmGuard struct {
	chat    model.BaseChatModel
	timeout time.Duration
	tripped atomic.Bool
	cause   atomic.Pointer[error]
}

func newLLMGuard(chat model.BaseChatModel, timeout time.Duration) *llmGuard {
	return &llmGuard{chat: chat, timeout: timeout}
}

// available nil 接收者安全
func (g *llmGuard) available() bool {
	return g != nil && g.chat != nil && !g.tripped.Load()
}

// trippedBy 返回熔断原因，未熔断时为 nil
func (g *llmGuard) trippedBy() error {
	if g == nil {
		return nil
	}
	if p := g.cause.Load(); p != nil {
		return *p
	}
	return nil
}

func (g *llmGuard) trip(err error) {
	if g.tripped.CompareAndSwap(false, true) {
		g.cause.Store(&err)
	}
}

func breaksCircuit(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, types.ErrProviderUnavailable) ||
		errors.Is(err, types.ErrMissingCredential)
}

// errLLMSkipped 熔断后或没有模型时的占位错误，不对外暴露
var errLLMSkipped = errors.New("llm call skipped")

// guardedCall 在独立的超时下执行 fn。
// 模型实现忽略 ctx 时也按预算返回，fn 的结果经带缓冲的通道丢弃。
func guardedCall[T any](ctx context.Context, g *llmGuard, fn func(context.Context, model.BaseChatModel) (T, error)) (T, error) {
	var zero T
	if !g.available() {
		return zero, errLLMSkipped
	}

	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if g.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, g.timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx, g.chat)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && (breaksCircuit(r.err) || cctx.Err() != nil) {
			g.trip(r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		err := cctx.Err()
		g.trip(err)
		return zero, err
	}
}

// enrich 对一段文本做元数据抽取。extractor 为空、没有模型或已熔断时返回全空属性。
func enrich(ctx context.Context, extractor *parser.MetadataExtractor, guard *llmGuard, text string) Enrichment {
	if extractor == nil || !guard.available() {
		return newEnrichment(nil, nil)
	}
	attrs, err := guardedCall(ctx, guard, func(cctx context.Context, chat model.BaseChatModel) (map[string]string, error) {
		return extractor.Extract(cctx, chat, text, parser.CandidateSchema)
	})
	if errors.Is(err, errLLMSkipped) {
		return newEnrichment(nil, nil)
	}
	return newEnrichment(attrs, err)
}
