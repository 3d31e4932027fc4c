package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Taxonomy of failures surfaced to callers. Validation errors are detected
// before any store mutation; ErrStoreUnavailable classifies every store
// failure not covered by a more specific sentinel.
var (
	ErrNotFound              = errors.New("not found")
	ErrUnsupportedImageType  = errors.New("unsupported image type")
	ErrMissingRequiredFields = errors.New("missing required fields")
	ErrInvalidBase64         = errors.New("invalid base64 payload")
	ErrInvalidMetadataShape  = errors.New("metadata must be a JSON object")
	ErrStoreUnavailable      = errors.New("store unavailable")
)

// AutoMetadata is the best-effort description of an image produced by the
// metadata extractor.
type AutoMetadata struct {
	Width  int                    `json:"width"`
	Height int                    `json:"height"`
	Pixels string                 `json:"pixels"`
	Format string                 `json:"format"`
	Mode   string                 `json:"mode"`
	Exif   map[string]interface{} `json:"exif,omitempty"`
}

// ImageRecord is the unit of truth for one stored image: the metadata half
// of the blob+record pair. Records are immutable once written; only the
// finalize path may overwrite one under the same image_id.
type ImageRecord struct {
	ImageID      string                 `json:"image_id"`
	UserID       string                 `json:"user_id"`
	CreatedAt    int64                  `json:"created_at"`
	Filename     string                 `json:"filename"`
	ContentType  string                 `json:"content_type"`
	Size         int64                  `json:"size"`
	BucketName   string                 `json:"bucket_name"`
	ObjectKey    string                 `json:"object_key"`
	Title        string                 `json:"title,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	AutoMetadata *AutoMetadata          `json:"auto_metadata,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
}

// RecordQuery is the filter predicate shared by both listing paths. The
// created_at bounds are inclusive; nil means unbounded.
type RecordQuery struct {
	UserID        string
	Tag           string
	CreatedAfter  *int64
	CreatedBefore *int64
}

// PageToken is an opaque continuation cursor for paged store reads. A nil
// token requests the first page; a nil token returned with a page means no
// further pages remain.
type PageToken interface{}

// MetadataStore defines the interface for image record storage
type MetadataStore interface {
	PutRecord(ctx context.Context, record *ImageRecord) error
	GetRecord(ctx context.Context, imageID string) (*ImageRecord, error)
	DeleteRecord(ctx context.Context, imageID string) error

	// QueryByUser reads one page of the secondary access path ordered by
	// (user_id, created_at). Scan reads one page of a full-table traversal
	// with an equivalent filter.
	QueryByUser(ctx context.Context, query *RecordQuery, startToken PageToken) ([]*ImageRecord, PageToken, error)
	Scan(ctx context.Context, query *RecordQuery, startToken PageToken) ([]*ImageRecord, PageToken, error)
}

// BlobObject is an open blob read stream with its stored headers.
type BlobObject struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 when unknown
}

// BlobInfo describes a blob without its body.
type BlobInfo struct {
	Size        int64
	ContentType string
}

// BlobStore defines the interface for blob storage operations
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) (*BlobObject, error)
	Head(ctx context.Context, bucket, key string) (*BlobInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	Sign(ctx context.Context, bucket, key, disposition string, expiry time.Duration) (string, error)
}

// ObjectKey derives the canonical blob key for an image. The key is a pure
// function of its inputs so an orphaned blob stays traceable to its owner
// and id without the metadata record.
func ObjectKey(userID, imageID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", userID, imageID, filename)
}
