package impl

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/services"
)

// blobStoreImpl implements BlobStore on an S3-compatible object store.
type blobStoreImpl struct {
	client *minio.Client
	bucket string
}

// NewBlobStore connects to the object store and ensures the bucket exists.
func NewBlobStore(cfg *config.BlobConfig) (services.BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
		log.Printf("Created blob bucket %q", cfg.Bucket)
	}

	return &blobStoreImpl{client: client, bucket: cfg.Bucket}, nil
}

// NewStorageHandle generates the opaque locator for an uploaded file:
// documents/YYYY/MM/DD/<epochMillis>_<shortRand>_<originalFilename>.
func NewStorageHandle(now time.Time, originalFilename string) string {
	short := fmt.Sprintf("%06x", rand.Int31n(1<<24))
	name := sanitizeFilename(originalFilename)
	return fmt.Sprintf("documents/%04d/%02d/%02d/%d_%s_%s",
		now.Year(), now.Month(), now.Day(), now.UnixMilli(), short, name)
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}

func (s *blobStoreImpl) Put(ctx context.Context, handle string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, handle, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "failed to store file bytes", err)
	}
	return nil
}

func (s *blobStoreImpl) Get(ctx context.Context, handle string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, handle, minio.GetObjectOptions{})
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "failed to fetch file bytes", err)
	}

	// GetObject is lazy; a Stat forces the first request so missing objects
	// surface here rather than on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, errs.Newf(errs.KindSourceDocumentNotFound, "stored file %s not found", handle)
		}
		return nil, errs.Wrap(errs.KindExternalUnavailable, "failed to fetch file bytes", err)
	}

	return obj, nil
}

func (s *blobStoreImpl) Delete(ctx context.Context, handle string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, handle, minio.RemoveObjectOptions{}); err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "failed to delete file bytes", err)
	}
	return nil
}

func (s *blobStoreImpl) Exists(ctx context.Context, handle string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, handle, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, errs.Wrap(errs.KindExternalUnavailable, "failed to stat file bytes", err)
	}
	return true, nil
}
