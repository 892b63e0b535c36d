package types

import (
	"strconv"
	"time"
)

// DocumentKind 文档种类
type DocumentKind string

const (
	// KindResume 简历
	KindResume DocumentKind = "resume"
	// KindJobDescription 职位描述
	KindJobDescription DocumentKind = "job_description"
)

// 段落元数据中的来源字段
const (
	MetaSource  = "source"
	MetaDocType = "doc_type"
	MetaPage    = "page"
)

// Passage 从源文档中抽取出的一段文本
type Passage struct {
	Content       string
	Source        string
	Kind          DocumentKind
	SequenceIndex int               // 在源文档中的顺序，从 0 开始
	Attributes    map[string]string // 元数据抽取结果，schema 中的键始终存在
}

// Metadata 合并来源信息与抽取属性，作为存储用的元数据。
// 来源字段优先，抽取属性不能覆盖它们。
func (p Passage) Metadata() map[string]string {
	meta := make(map[string]string, len(p.Attributes)+3)
	for k, v := range p.Attributes {
		meta[k] = v
	}
	meta[MetaSource] = p.Source
	meta[MetaDocType] = string(p.Kind)
	meta[MetaPage] = strconv.Itoa(p.SequenceIndex + 1)
	return meta
}

// StoredRecord 持久化到向量库的记录
type StoredRecord struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
}

// QueryResult 一次近邻查询的命中
type QueryResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

// Score 相似度分数 = 1 - distance。距离大于 1 时分数为负，不做截断。
func (r QueryResult) Score() float64 {
	return 1.0 - r.Distance
}

// CandidateSummary 返回给调用方的候选人条目
type CandidateSummary struct {
	CandidateID    string            `json:"candidate_id"`
	Score          float64           `json:"score"`
	Metadata       map[string]string `json:"metadata"`
	ContentPreview string            `json:"content_preview"`
}

// UploadedFile 已落盘的上传文件
type UploadedFile struct {
	Filename string // 客户端提交的原始文件名
	Path     string // 本地临时路径
}

// ShortlistRequest 一次筛选请求
type ShortlistRequest struct {
	NumShortlisted    int
	LLMProvider       string
	EmbeddingProvider string
	JDText            string
	JDFile            *UploadedFile
	CVFiles           []UploadedFile
}

// ShortlistResponse 筛选结果
type ShortlistResponse struct {
	Success                  bool               `json:"success"`
	Message                  string             `json:"message"`
	ShortlistedCandidates    []CandidateSummary `json:"shortlisted_candidates"`
	TotalCandidatesProcessed int                `json:"total_candidates_processed"`
	JDSummary                *string            `json:"jd_summary,omitempty"`
	JobDescriptionID         *string            `json:"job_description_id,omitempty"`
	RunID                    string             `json:"-"` // 通过响应头返回
}

// CollectionSnapshot 管理接口列出的集合内容
type CollectionSnapshot struct {
	Name      string         `json:"name"`
	Dimension int            `json:"dimension"`
	Count     int            `json:"count"`
	Records   []StoredRecord `json:"records"`
}
