package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"cv-shortlister/internal/llm"
	"cv-shortlister/internal/parser"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLLMGuard_TripsOnUnavailableProvider(t *testing.T) {
	chat := llm.NewMockChatModel("", types.NewProviderError("gemini", types.ErrProviderUnavailable, "", nil))
	guard := newLLMGuard(chat, time.Second)
	extractor := parser.NewMetadataExtractor()

	en := enrich(context.Background(), extractor, guard, "Go developer")
	assert.ErrorIs(t, en.Err, types.ErrProviderUnavailable)
	assert.False(t, en.Fatal)
	assert.False(t, guard.available())
	require.ErrorIs(t, guard.trippedBy(), types.ErrProviderUnavailable)

	en = enrich(context.Background(), extractor, guard, "Python developer")
	assert.NoError(t, en.Err, "熔断后直接返回空属性")
	assert.Equal(t, parser.CandidateSchema.Empty(), en.Attributes)
	assert.Equal(t, 1, chat.CallCount())
}

func TestLLMGuard_OtherErrorsKeepCircuitClosed(t *testing.T) {
	chat := llm.NewMockChatModelSequential([]llm.MockResponse{
		{Error: errors.New("content filtered")},
		{Content: `{"skills":"Go"}`},
	})
	guard := newLLMGuard(chat, time.Second)
	extractor := parser.NewMetadataExtractor()

	en := enrich(context.Background(), extractor, guard, "first")
	assert.Error(t, en.Err)
	assert.True(t, guard.available())

	en = enrich(context.Background(), extractor, guard, "second")
	require.NoError(t, en.Err)
	assert.Equal(t, "Go", en.Attributes["skills"])
	assert.Nil(t, guard.trippedBy())
}

func TestGuardedCall_BudgetIsIndependentOfParent(t *testing.T) {
	guard := newLLMGuard(llm.NewMockChatModel("ok", nil), 20*time.Millisecond)
	parent, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err := guardedCall(parent, guard, func(ctx context.Context, _ model.BaseChatModel) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, parent.Err(), "父 ctx 不受单次调用预算影响")
	assert.False(t, guard.available())

	called := false
	_, err = guardedCall(parent, guard, func(context.Context, model.BaseChatModel) (string, error) {
		called = true
		return "", nil
	})
	assert.ErrorIs(t, err, errLLMSkipped)
	assert.False(t, called, "熔断后不应再调用")
}

func TestEnrich_NilGuardOrExtractor(t *testing.T) {
	en := enrich(context.Background(), parser.NewMetadataExtractor(), nil, "text")
	assert.NoError(t, en.Err)
	assert.Equal(t, parser.CandidateSchema.Empty(), en.Attributes)

	en = enrich(context.Background(), nil, newLLMGuard(llm.NewMockChatModel("{}", nil), 0), "text")
	assert.NoError(t, en.Err)
}
