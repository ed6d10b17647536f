// Package driver 根据配置选择永久存储实现。
package driver

import (
	"context"
	"fmt"

	"dropvault/internal/config"
	"dropvault/internal/storage"
	"dropvault/internal/storage/local"
	"dropvault/internal/storage/r2"
	"dropvault/internal/storage/s3"
)

// Open 按 STORAGE_DRIVER 创建存储实例。
func Open(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case "", "local":
		return local.New(cfg.StorageDir, cfg.StorageBaseURL), nil
	case "s3":
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.StorageBaseURL,
		})
	case "r2":
		return r2.New(r2.Config{
			AccountID: cfg.R2AccountID,
			AccessKey: cfg.R2AccessKey,
			SecretKey: cfg.R2SecretKey,
			Bucket:    cfg.R2Bucket,
			PublicURL: cfg.R2PublicURL,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
