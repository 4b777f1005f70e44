// Package artifacts uploads finished checkpoints to S3-compatible object
// storage.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type Storage struct {
	client *miniogo.Client
	bucket string
}

func NewStorage(cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts: bucket is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// ObjectKey is where a run's file is stored.
func ObjectKey(runID, name string) string {
	return path.Join("runs", runID, name)
}

// Object identifies an uploaded file.
type Object struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
}

// URI renders the object as s3://bucket/key.
func (o Object) URI() string {
	return "s3://" + o.Bucket + "/" + o.Key
}

// UploadCheckpoint copies the checkpoint at localPath to the run's prefix,
// tagging it with the epoch and validation accuracy it was saved at.
func (s *Storage) UploadCheckpoint(ctx context.Context, runID, localPath string, epoch int, valAccuracy float64) (Object, error) {
	key := ObjectKey(runID, filepath.Base(localPath))
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, miniogo.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"run-id":       runID,
			"epoch":        strconv.Itoa(epoch),
			"val-accuracy": strconv.FormatFloat(valAccuracy, 'f', 2, 64),
		},
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload checkpoint: %w", err)
	}
	return Object{Bucket: s.bucket, Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// Download fetches an object to localPath.
func (s *Storage) Download(ctx context.Context, key, localPath string) error {
	return s.client.FGetObject(ctx, s.bucket, key, localPath, miniogo.GetObjectOptions{})
}
