package outbox

import (
	"context"
	"testing"
	"time"

	"cv-shortlister/internal/config"

	"github.com/stretchr/testify/assert"
)

type nopPublisher struct{}

func (nopPublisher) PublishMessage(context.Context, string, string, []byte, bool) error { return nil }

func TestNewMessageRelay_Defaults(t *testing.T) {
	r := NewMessageRelay(nil, nopPublisher{}, config.OutboxConfig{})
	assert.Equal(t, defaultPollingInterval, r.pollingInterval)
	assert.Equal(t, defaultBatchSize, r.batchSize)
	assert.Equal(t, defaultMaxRetryCount, r.maxRetries)

	r = NewMessageRelay(nil, nopPublisher{}, config.OutboxConfig{PollInterval: "250ms", BatchSize: 3, MaxRetries: 2})
	assert.Equal(t, 250*time.Millisecond, r.pollingInterval)
	assert.Equal(t, 3, r.batchSize)
	assert.Equal(t, 2, r.maxRetries)
}

func TestMessageRelay_StopIsIdempotent(t *testing.T) {
	r := NewMessageRelay(nil, nopPublisher{}, config.OutboxConfig{PollInterval: "1h"})
	r.Start()
	r.Stop()
	r.Stop()
}
