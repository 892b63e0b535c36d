package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/tracing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var minioTracer = otel.Tracer("cv-shortlister/storage/minio")

// 归档对象的角色目录
const (
	ArchiveRoleJD  = "jd"
	ArchiveRoleCVs = "cvs"
)

// ObjectStorage 上传原件归档接口
type ObjectStorage interface {
	// UploadFile 上传文件到指定路径
	UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error)

	// ArchiveFile 把本地文件归档到 runs/{runID}/{role}/ 下，返回对象路径和 MD5
	ArchiveFile(ctx context.Context, runID, role string, index int, filename, localPath string) (string, string, error)
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	logger zerolog.Logger
}

// NewMinIO 创建MinIO客户端并确保存储桶存在
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	log := logger.Component("minio")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.BucketName
	if bucket == "" {
		bucket = "cv-shortlister"
	}

	m := &MinIO{client: client, cfg: cfg, bucket: bucket, logger: log}

	if err := m.ensureBucketExists(ctx, bucket, cfg.Location); err != nil {
		return nil, err
	}
	if cfg.ExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, bucket, "expire-runs", cfg.ExpireDays); err != nil {
			// 生命周期规则失败不影响归档
			log.Warn().Err(err).Str("bucket", bucket).Msg("设置生命周期规则失败")
		}
	}

	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", bucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	m.logger.Info().Str("bucket", bucketName).Msg("存储桶已创建")
	return nil
}

// setupBucketLifecycle 只对 runs/ 前缀设置过期
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:         ruleID,
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: "runs/"},
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, cfg)
}

// UploadFile 上传到配置的存储桶
func (m *MinIO) UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error) {
	ctx, span := minioTracer.Start(ctx, "MinIO.UploadFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("storage.bucket", m.bucket),
		attribute.String("storage.object_name", tracing.SafeAttributeValue("storage.object_name", objectName, tracing.DefaultMaxLength)),
		attribute.Int64("storage.size", fileSize),
	)

	info, err := m.client.PutObject(ctx, m.bucket, objectName, reader, fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStorage)
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.bucket, objectName, err)
	}
	m.logger.Debug().Str("object", objectName).Str("etag", info.ETag).Int64("size", info.Size).Msg("对象上传成功")
	return objectName, nil
}

// ArchiveFile 流式上传本地文件并同时计算MD5
func (m *MinIO) ArchiveFile(ctx context.Context, runID, role string, index int, filename, localPath string) (string, string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", "", fmt.Errorf("打开待归档文件失败: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", "", fmt.Errorf("读取文件信息失败: %w", err)
	}

	objectName := ArchiveObjectKey(runID, role, index, filename)
	hasher := md5.New()
	reader := io.TeeReader(f, hasher)

	if _, err := m.UploadFile(ctx, objectName, reader, st.Size(), getContentType(filepath.Ext(filename))); err != nil {
		return "", "", err
	}
	return objectName, hex.EncodeToString(hasher.Sum(nil)), nil
}

var unsafeObjectChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArchiveObjectKey runs/{runID}/{role}/{index}_{安全文件名}
func ArchiveObjectKey(runID, role string, index int, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.Trim(unsafeObjectChars.ReplaceAllString(base, "_"), "_")
	if base == "" || base == "." {
		base = "file"
	}
	return fmt.Sprintf("runs/%s/%s/%03d_%s", runID, role, index, base)
}

// 获取内容类型
func getContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt", ".md":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
