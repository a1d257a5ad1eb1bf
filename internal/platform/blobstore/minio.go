package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/lims/lims/internal/platform/breaker"
)

// User metadata keys. MinIO returns them canonicalised, so lookups ignore case.
const (
	metaFileName  = "File-Name"
	metaPatientID = "Patient-Id"
	metaCategory  = "Category"
	metaHash      = "Sha256"
	metaCreatedBy = "Created-By"
	metaCreatedAt = "Created-At"
)

// MinioConfig holds connection settings for the MinIO backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBlobStore keeps blobs as objects named "<tenant>/<id>" in one bucket.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
	cb     *gobreaker.CircuitBreaker
}

// NewMinioBlobStore connects to MinIO and creates the bucket when missing.
func NewMinioBlobStore(ctx context.Context, cfg MinioConfig, logger zerolog.Logger) (*MinioBlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	s := &MinioBlobStore{
		client: client,
		bucket: cfg.Bucket,
		cb:     breaker.New("minio", breaker.DefaultConfig(), logger),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioBlobStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func objectName(ctx context.Context, id string) string {
	return tenantOf(ctx) + "/" + id
}

func (s *MinioBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	opts := minio.PutObjectOptions{
		ContentType: meta.ContentType,
		UserMetadata: map[string]string{
			metaFileName:  meta.FileName,
			metaPatientID: meta.PatientID,
			metaCategory:  meta.Category,
			metaHash:      meta.Hash,
			metaCreatedBy: meta.CreatedBy,
			metaCreatedAt: meta.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	_, err = s.cb.Execute(func() (interface{}, error) {
		return s.client.PutObject(ctx, s.bucket, objectName(ctx, meta.ID), bytes.NewReader(data), int64(len(data)), opts)
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	return &meta, nil
}

func (s *MinioBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(ctx, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, translate(err)
	}
	return obj, meta, nil
}

func (s *MinioBlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, objectName(ctx, id), minio.StatObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	return metadataFromInfo(id, info), nil
}

func (s *MinioBlobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectName(ctx, id), minio.RemoveObjectOptions{}); err != nil {
		return translate(err)
	}
	return nil
}

// ListByPatient walks the tenant prefix and filters on user metadata.
func (s *MinioBlobStore) ListByPatient(ctx context.Context, patientID, category string) ([]*BlobMetadata, error) {
	prefix := tenantOf(ctx) + "/"
	var out []*BlobMetadata
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true, WithMetadata: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		id := strings.TrimPrefix(obj.Key, prefix)
		info := obj
		if len(info.UserMetadata) == 0 {
			stat, err := s.client.StatObject(ctx, s.bucket, obj.Key, minio.StatObjectOptions{})
			if err != nil {
				return nil, translate(err)
			}
			info = stat
		}
		m := metadataFromInfo(id, info)
		if m.PatientID != patientID {
			continue
		}
		if category != "" && m.Category != category {
			continue
		}
		out = append(out, m)
	}
	sortByCreated(out)
	return out, nil
}

func (s *MinioBlobStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func metadataFromInfo(id string, info minio.ObjectInfo) *BlobMetadata {
	m := &BlobMetadata{
		ID:          id,
		ContentType: info.ContentType,
		Size:        info.Size,
		FileName:    lookupMeta(info.UserMetadata, metaFileName),
		PatientID:   lookupMeta(info.UserMetadata, metaPatientID),
		Category:    lookupMeta(info.UserMetadata, metaCategory),
		Hash:        lookupMeta(info.UserMetadata, metaHash),
		CreatedBy:   lookupMeta(info.UserMetadata, metaCreatedBy),
		CreatedAt:   info.LastModified.UTC(),
	}
	if ts := lookupMeta(info.UserMetadata, metaCreatedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.CreatedAt = t
		}
	}
	return m
}

func lookupMeta(md map[string]string, key string) string {
	for k, v := range md {
		k = strings.TrimPrefix(strings.TrimPrefix(k, "X-Amz-Meta-"), "x-amz-meta-")
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func translate(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return ErrBlobNotFound
	}
	return fmt.Errorf("minio: %w", err)
}
