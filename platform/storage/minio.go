package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStorage struct {
	client *minio.Client
	bucket string
}

type MinioArgs struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewMinioStorage(ctx context.Context, args MinioArgs) (ArtifactStore, error) {
	client, err := minio.New(args.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(args.AccessKey, args.SecretKey, ""),
		Secure: args.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, args.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking for bucket %v: %w", args.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, args.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("error creating bucket %v: %w", args.Bucket, err)
		}
	}

	slog.Info("creating new minio storage", "endpoint", args.Endpoint, "bucket", args.Bucket)

	return &MinioStorage{client: client, bucket: args.Bucket}, nil
}

func (s *MinioStorage) Read(path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(context.Background(), s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		slog.Error("error reading object", "path", path, "error", err)
		return nil, fmt.Errorf("error reading file %v: %w", path, err)
	}
	return obj, nil
}

func (s *MinioStorage) Write(path string, data io.Reader, size int64) error {
	_, err := s.client.PutObject(context.Background(), s.bucket, path, data, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		slog.Error("error writing object", "path", path, "error", err)
		return fmt.Errorf("error writing file %v: %w", path, err)
	}
	return nil
}

func (s *MinioStorage) Delete(path string) error {
	err := s.client.RemoveObject(context.Background(), s.bucket, path, minio.RemoveObjectOptions{})
	if err != nil {
		slog.Error("error deleting object", "path", path, "error", err)
		return fmt.Errorf("error deleting file %v: %w", path, err)
	}
	return nil
}

func (s *MinioStorage) DeletePrefix(prefix string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix + "/", Recursive: true}) {
		if obj.Err != nil {
			slog.Error("error listing objects for delete", "prefix", prefix, "error", obj.Err)
			return fmt.Errorf("error listing objects under %v: %w", prefix, obj.Err)
		}
		if err := s.Delete(obj.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *MinioStorage) Exists(path string) (bool, error) {
	_, err := s.client.StatObject(context.Background(), s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		slog.Error("error checking if object exists", "path", path, "error", err)
		return false, fmt.Errorf("error checking if file %v exists: %w", path, err)
	}
	return true, nil
}

func (s *MinioStorage) Size(path string) (int64, error) {
	info, err := s.client.StatObject(context.Background(), s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		slog.Error("error getting stats for object", "path", path, "error", err)
		return 0, fmt.Errorf("error getting stats for file %v: %w", path, err)
	}
	return info.Size, nil
}

func (s *MinioStorage) SignedDownloadUrl(ctx context.Context, path, filename string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%v"`, filename))

	signed, err := s.client.PresignedGetObject(ctx, s.bucket, path, expiry, params)
	if err != nil {
		slog.Error("error generating presigned url", "path", path, "error", err)
		return "", fmt.Errorf("error generating signed url for %v: %w", path, err)
	}
	return signed.String(), nil
}

func (s *MinioStorage) Usage() (UsageStats, error) {
	return UsageStats{}, ErrUsageUnavailable
}

func (s *MinioStorage) Location() string {
	return fmt.Sprintf("minio://%v/%v", s.client.EndpointURL().Host, s.bucket)
}
