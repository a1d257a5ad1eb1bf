// Package blobstore stores generated report files and other lab documents.
// Backends are an in-memory store for development and tests and a MinIO
// (S3-compatible) store for deployments.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/db"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidCategory    = errors.New("category is not allowed")
)

// MaxFileSize is the maximum allowed blob size in bytes (20 MB).
const MaxFileSize = 20 * 1024 * 1024

const (
	CategoryLabReport   = "lab-report"
	CategorySampleImage = "sample-image"
	CategoryOther       = "other"
)

var AllowedCategories = map[string]bool{
	CategoryLabReport:   true,
	CategorySampleImage: true,
	CategoryOther:       true,
}

var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"image/png":       true,
	"image/jpeg":      true,
}

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PatientID   string    `json:"patient_id,omitempty"`
	Category    string    `json:"category"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// BlobStore defines the contract for blob storage backends. Blobs are scoped
// to the tenant carried by the context.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	ListByPatient(ctx context.Context, patientID, category string) ([]*BlobMetadata, error)
	Ping(ctx context.Context) error
}

// prepare validates meta, buffers the content and fills in the generated
// fields (ID, size, hash, creation time).
func prepare(meta BlobMetadata, content io.Reader) (BlobMetadata, []byte, error) {
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}
	if meta.Category == "" {
		meta.Category = CategoryOther
	}
	if !AllowedCategories[meta.Category] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidCategory, meta.Category)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return meta, nil, ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = hex.EncodeToString(sum[:])
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

func tenantOf(ctx context.Context) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t
	}
	return "default"
}

func sortByCreated(list []*BlobMetadata) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
