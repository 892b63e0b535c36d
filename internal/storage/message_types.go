package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/storage/models"
)

// ShortlistedCandidateRef 事件中的候选人摘要，不含正文
type ShortlistedCandidateRef struct {
	CandidateID string  `json:"candidate_id"`
	Score       float64 `json:"score"`
	Source      string  `json:"source"`
	Page        string  `json:"page,omitempty"`
}

// ShortlistCompletedMessage shortlist.completed 事件体
type ShortlistCompletedMessage struct {
	EventType                string                    `json:"event_type"`
	RunID                    string                    `json:"run_id"`
	Success                  bool                      `json:"success"`
	LLMProvider              string                    `json:"llm_provider"`
	EmbeddingProvider        string                    `json:"embedding_provider"`
	TotalCandidatesProcessed int                       `json:"total_candidates_processed"`
	Candidates               []ShortlistedCandidateRef `json:"candidates"`
	JobDescriptionID         string                    `json:"job_description_id,omitempty"`
	ArchivedObjects          []string                  `json:"archived_objects,omitempty"`
	CompletedAt              time.Time                 `json:"completed_at"`
}

// NewOutboxMessage 把事件编码为待发布的 outbox 记录
func NewOutboxMessage(msg ShortlistCompletedMessage, exchange, routingKey string) (*models.OutboxMessage, error) {
	if msg.EventType == "" {
		msg.EventType = constants.EventShortlistCompleted
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return &models.OutboxMessage{
		AggregateID:      msg.RunID,
		EventType:        msg.EventType,
		Payload:          string(payload),
		TargetExchange:   exchange,
		TargetRoutingKey: routingKey,
		Status:           models.OutboxStatusPending,
	}, nil
}
