package service

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"time"

	"PromptToVideo-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var MinioClient *minio.Client

// InitMinIO 初始化连接，在 main.go 中调用
func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
}

// MinioUploader 把本地成片传到对象存储，实现 Uploader
type MinioUploader struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

func NewMinioUploader(client *minio.Client, bucket string) *MinioUploader {
	return &MinioUploader{client: client, bucket: bucket, expiry: 24 * time.Hour}
}

// UploadFile 上传本地文件到 MinIO，返回带签名的可访问 URL
func (u *MinioUploader) UploadFile(ctx context.Context, localPath, objectName string) (string, error) {
	// 自动创建 Bucket
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", u.bucket)
	}

	contentType := "application/octet-stream"
	switch filepath.Ext(objectName) {
	case ".mp4":
		contentType = "video/mp4"
	case ".mp3":
		contentType = "audio/mpeg"
	case ".wav":
		contentType = "audio/wav"
	case ".json":
		contentType = "application/json"
	}

	_, err = u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}

	presignedURL, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, u.expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}

	log.Printf("文件已上传: %s", objectName)
	return presignedURL.String(), nil
}
