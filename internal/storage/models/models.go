package models

import (
	"time"

	"gorm.io/datatypes"
)

// 运行状态
const (
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusNoMatches = "NO_MATCHES"
)

// ShortlistRun 一次完成的筛选请求
type ShortlistRun struct {
	RunID             string         `gorm:"type:char(36);primaryKey"`
	Status            string         `gorm:"type:varchar(20);not null;index:idx_runs_status_created_at"`
	LLMProvider       string         `gorm:"type:varchar(32);not null"`
	EmbeddingProvider string         `gorm:"type:varchar(32);not null"`
	EmbeddingModel    string         `gorm:"type:varchar(128)"`
	NumRequested      int            `gorm:"not null"`
	NumShortlisted    int            `gorm:"not null"`
	TotalProcessed    int            `gorm:"not null"`
	CVFileCount       int            `gorm:"not null"`
	JobDescriptionID  string         `gorm:"type:varchar(128)"`
	HasSummary        bool           `gorm:"not null;default:false"`
	CandidatesJSON    datatypes.JSON `gorm:"type:json"` // [{candidate_id, score, source}]
	ArchivedObjects   datatypes.JSON `gorm:"type:json"` // MinIO 对象路径列表
	Message           string         `gorm:"type:varchar(255)"`
	DurationMS        int64          `gorm:"not null;default:0"`
	CreatedAt         time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_runs_status_created_at,sort:desc"`
}

// TableName specifies the table name for the ShortlistRun model.
func (ShortlistRun) TableName() string {
	return "shortlist_runs"
}
