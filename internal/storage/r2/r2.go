// Package r2 通过 aws-sdk-go-v2 访问 Cloudflare R2（或任意 S3 兼容端点）。
package r2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dropvault/internal/storage"
)

// Config 描述 R2 连接参数。Endpoint 为空时按 AccountID 推导官方端点。
type Config struct {
	AccountID string
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string
	PublicURL string
}

// Storage 实现 storage.Storage。
type Storage struct {
	client    *s3.Client
	bucket    string
	publicURL string
	spoolDir  string
}

// New 创建 R2 存储客户端。
func New(cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("r2 bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("r2 account id or endpoint is required")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg := aws.Config{
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		Region:      "auto",
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		// R2 不支持 SDK 默认附加的 CRC 校验头
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Storage{client: client, bucket: cfg.Bucket, publicURL: cfg.PublicURL, spoolDir: os.TempDir()}, nil
}

func objectKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

// Write 上传对象。SDK 需要可 Seek 的 body 计算签名，其他 reader 先落到临时文件。
func (s *Storage) Write(ctx context.Context, key string, r io.Reader) (storage.Location, error) {
	body, size, cleanup, err := s.seekable(r)
	if err != nil {
		return storage.Location{}, err
	}
	defer cleanup()

	cleanKey := objectKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(cleanKey),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return storage.Location{}, fmt.Errorf("put object: %w", err)
	}

	loc := storage.Location{Path: cleanKey, URL: fmt.Sprintf("r2://%s/%s", s.bucket, cleanKey), Size: size}
	if s.publicURL != "" {
		if u, err := url.JoinPath(s.publicURL, cleanKey); err == nil {
			loc.URL = u
		}
	}
	return loc, nil
}

func (s *Storage) seekable(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("seek body: %w", err)
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, 0, nil, fmt.Errorf("rewind body: %w", err)
		}
		return rs, size, func() {}, nil
	}

	spool, err := os.CreateTemp(s.spoolDir, "r2-upload-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		spool.Close()
		os.Remove(spool.Name())
	}
	size, err := io.Copy(spool, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool body: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("rewind spool: %w", err)
	}
	return spool, size, cleanup, nil
}

// Read 读取对象内容。
func (s *Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// Delete 删除对象。
func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Stat 通过 HeadObject 查询对象是否存在。
func (s *Storage) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return storage.ObjectInfo{}, fmt.Errorf("head object: %w", err)
	}

	info := storage.ObjectInfo{Key: key, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}
