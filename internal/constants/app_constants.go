package constants

const (
	// ServiceName 服务名，用于追踪和日志
	ServiceName = "cv-shortlister"
	// ServiceVersion 对外暴露的 API 版本
	ServiceVersion = "1.0.0"
	// ServiceTitle 根路径返回的服务名称
	ServiceTitle = "CV Shortlisting API"

	// CollectionResumes 简历段落集合
	CollectionResumes = "resumes"
	// CollectionJobDescriptions JD 集合
	CollectionJobDescriptions = "job_descriptions"

	// MinShortlisted / MaxShortlisted 请求可返回的候选人数量范围
	MinShortlisted = 1
	MaxShortlisted = 50

	// PreviewEllipsis 预览被截断时追加的标记
	PreviewEllipsis = "..."

	// PassageSeparator JD 多段文本拼接、摘要上下文拼接使用的分隔符
	PassageSeparator = "\n\n"

	// EventShortlistCompleted 筛选完成事件类型
	EventShortlistCompleted = "shortlist.completed"
)

// Collections 由管理接口统一列出和清理的集合
var Collections = []string{CollectionResumes, CollectionJobDescriptions}
