package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/types"
	"cv-shortlister/pkg/ratelimit"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider 按名称创建生成模型
type Provider interface {
	New(ctx context.Context, name string) (model.ToolCallingChatModel, error)
}

// Factory 创建带限流的生成模型，同名模型只创建一次
type Factory struct {
	cfg *config.Config

	mu     sync.Mutex
	models map[string]model.ToolCallingChatModel
}

var _ Provider = (*Factory)(nil)

// NewFactory 创建工厂
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, models: make(map[string]model.ToolCallingChatModel)}
}

// New 返回指定名称的生成模型。缺少凭证时返回 ErrMissingCredential，未知名称返回 ErrUnknownProvider。
func (f *Factory) New(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.models[name]; ok {
		return m, nil
	}

	var (
		chat      model.ToolCallingChatModel
		modelName string
	)
	switch name {
	case config.ProviderOpenAI:
		m, err := NewOpenAIChatModel(f.cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		chat, modelName = m, m.ModelName()
	case config.ProviderGemini:
		m, err := NewGeminiChatModel(ctx, f.cfg.Gemini)
		if err != nil {
			return nil, err
		}
		chat, modelName = m, m.ModelName()
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownProvider, name)
	}

	rl := f.cfg.RateLimit
	limited := ratelimit.NewLLMWithRateLimit(chat, modelName, f.cfg.ModelQPMLimits, rl.DefaultQPM,
		rl.MaxRetries, time.Duration(rl.RetryWaitSeconds)*time.Second)
	f.models[name] = limited
	return limited, nil
}

// StaticProvider 总是返回同一个模型，测试与单模型部署使用
type StaticProvider struct {
	Model model.ToolCallingChatModel
	Err   error
}

func (s StaticProvider) New(_ context.Context, _ string) (model.ToolCallingChatModel, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Model, nil
}

// Text 取回复正文；正文为空时退回到整条消息的字符串形式
func Text(msg *schema.Message) string {
	if msg == nil {
		return ""
	}
	if strings.TrimSpace(msg.Content) != "" {
		return msg.Content
	}
	return msg.String()
}
