package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
)

// supportedFormats are the raster formats accepted for upload.
var supportedFormats = map[string]bool{
	"JPEG": true,
	"PNG":  true,
}

// UploadParams carries one image upload.
type UploadParams struct {
	UserID      string
	Filename    string
	ContentType string
	Data        []byte
	Metadata    map[string]interface{}
	Title       string
	Description string
	Tags        []string
}

// Base64UploadParams carries the alternate base64 ingestion path.
type Base64UploadParams struct {
	UserID      string
	Filename    string
	ContentType string
	DataBase64  string
	Metadata    map[string]interface{}
	Title       string
	Description string
	Tags        []string
}

// FinalizeParams registers a record for a blob uploaded directly to the
// canonical key.
type FinalizeParams struct {
	UserID      string
	ImageID     string
	Filename    string
	ContentType string
	Metadata    map[string]interface{}
	Title       string
	Description string
	Tags        []string
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	ImageID string `json:"image_id"`
	URL     string `json:"url"`
}

// ImageStream is an open download stream with its response headers.
type ImageStream struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 when unknown
	Filename      string
}

// ImageService couples the blob store and the metadata store into one
// image record lifecycle: blob and record are created together and deleted
// together, with no cross-store transaction. The service is stateless and
// safe for concurrent use; all state lives in the two stores.
type ImageService struct {
	meta      MetadataStore
	blobs     BlobStore
	cache     Cache
	bucket    string
	urlExpiry time.Duration

	now   func() time.Time
	newID func() string
}

// NewImageService creates a new image service
func NewImageService(meta MetadataStore, blobs BlobStore, cache Cache, bucket string, urlExpiry time.Duration) *ImageService {
	return &ImageService{
		meta:      meta,
		blobs:     blobs,
		cache:     cache,
		bucket:    bucket,
		urlExpiry: urlExpiry,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Upload validates and stores one image: blob write first, then the
// metadata record, then a time-limited retrieval URL. Validation happens
// before any store mutation.
func (s *ImageService) Upload(ctx context.Context, params *UploadParams) (*UploadResult, error) {
	format, err := detectImageFormat(params.Data)
	if err != nil || !supportedFormats[format] {
		return nil, fmt.Errorf("%w: detected format %q", ErrUnsupportedImageType, format)
	}

	if params.UserID == "" || params.Filename == "" || params.ContentType == "" || params.Data == nil {
		return nil, ErrMissingRequiredFields
	}

	imageID := s.newID()
	createdAt := s.now().Unix()
	objectKey := ObjectKey(params.UserID, imageID, params.Filename)

	if err := s.blobs.Put(ctx, s.bucket, objectKey, params.Data, params.ContentType); err != nil {
		return nil, storeFailure(err)
	}

	record := &ImageRecord{
		ImageID:      imageID,
		UserID:       params.UserID,
		CreatedAt:    createdAt,
		Filename:     params.Filename,
		ContentType:  params.ContentType,
		Size:         int64(len(params.Data)),
		BucketName:   s.bucket,
		ObjectKey:    objectKey,
		Title:        params.Title,
		Description:  params.Description,
		Tags:         params.Tags,
		AutoMetadata: ExtractImageMetadata(params.Data),
		UserMetadata: params.Metadata,
	}

	// A failure here strands the blob just written: an accepted
	// inconsistency window. The blob stays traceable through the
	// deterministic object key, so external reconciliation can collect it.
	if err := s.meta.PutRecord(ctx, record); err != nil {
		return nil, storeFailure(err)
	}

	url, err := s.blobs.Sign(ctx, s.bucket, objectKey, "", s.urlExpiry)
	if err != nil {
		return nil, storeFailure(err)
	}

	return &UploadResult{ImageID: imageID, URL: url}, nil
}

// UploadBase64 decodes the payload and delegates to Upload, keeping the
// same validation and storage invariants.
func (s *ImageService) UploadBase64(ctx context.Context, params *Base64UploadParams) (*UploadResult, error) {
	if params.UserID == "" || params.Filename == "" || params.ContentType == "" || params.DataBase64 == "" {
		return nil, ErrMissingRequiredFields
	}

	data, err := base64.StdEncoding.DecodeString(params.DataBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}

	return s.Upload(ctx, &UploadParams{
		UserID:      params.UserID,
		Filename:    params.Filename,
		ContentType: params.ContentType,
		Data:        data,
		Metadata:    params.Metadata,
		Title:       params.Title,
		Description: params.Description,
		Tags:        params.Tags,
	})
}

// Finalize registers a record for a blob that already sits at the
// canonical key. It probes the blob, reads the body for enrichment, and
// persists the record using the blob's observed size and content type as
// fallbacks. No format validation happens here: trust is placed in the
// prior direct-to-blob-store upload.
func (s *ImageService) Finalize(ctx context.Context, params *FinalizeParams) (string, error) {
	objectKey := ObjectKey(params.UserID, params.ImageID, params.Filename)

	info, err := s.blobs.Head(ctx, s.bucket, objectKey)
	if err != nil {
		return "", fmt.Errorf("blob %s: %w", objectKey, ErrNotFound)
	}

	obj, err := s.blobs.Get(ctx, s.bucket, objectKey)
	if err != nil {
		return "", storeFailure(err)
	}
	defer obj.Body.Close()

	// Enrichment needs pixel data, not just headers, so the body is read
	// in full.
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", storeFailure(err)
	}

	size := info.Size
	if size == 0 {
		size = int64(len(data))
	}
	contentType := params.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	record := &ImageRecord{
		ImageID:      params.ImageID,
		UserID:       params.UserID,
		CreatedAt:    s.now().Unix(),
		Filename:     params.Filename,
		ContentType:  contentType,
		Size:         size,
		BucketName:   s.bucket,
		ObjectKey:    objectKey,
		Title:        params.Title,
		Description:  params.Description,
		Tags:         params.Tags,
		AutoMetadata: ExtractImageMetadata(data),
		UserMetadata: params.Metadata,
	}

	if err := s.meta.PutRecord(ctx, record); err != nil {
		return "", storeFailure(err)
	}

	// Finalize may overwrite an existing record under the same image_id;
	// drop any cached copy.
	if err := s.cache.DeleteRecord(ctx, params.ImageID); err != nil {
		log.Printf("Failed to invalidate cache for finalized record %s: %v", params.ImageID, err)
	}

	return params.ImageID, nil
}

// pageFunc fetches one page of records for a listing branch.
type pageFunc func(ctx context.Context, startToken PageToken) ([]*ImageRecord, PageToken, error)

// List returns all records matching the query. With a user_id it walks the
// secondary index ordered by (user_id, created_at); without one it falls
// back to a full scan with an equivalent filter. Both branches follow
// continuation tokens until exhausted, so the caller never sees
// pagination. Result order is an accident of store iteration, not part of
// the contract.
func (s *ImageService) List(ctx context.Context, query *RecordQuery) ([]*ImageRecord, error) {
	var page pageFunc
	if query.UserID != "" {
		page = func(ctx context.Context, startToken PageToken) ([]*ImageRecord, PageToken, error) {
			return s.meta.QueryByUser(ctx, query, startToken)
		}
	} else {
		page = func(ctx context.Context, startToken PageToken) ([]*ImageRecord, PageToken, error) {
			return s.meta.Scan(ctx, query, startToken)
		}
	}

	records := make([]*ImageRecord, 0)
	var token PageToken
	for {
		items, next, err := page(ctx, token)
		if err != nil {
			return nil, storeFailure(err)
		}
		records = append(records, items...)
		if next == nil {
			return records, nil
		}
		token = next
	}
}

// PresignedAccess generates a time-limited URL for an existing record with
// an attachment (download) or inline disposition embedding the stored
// filename.
func (s *ImageService) PresignedAccess(ctx context.Context, imageID string, download bool) (string, error) {
	record, err := s.lookupRecord(ctx, imageID)
	if err != nil {
		return "", err
	}

	filename := record.Filename
	if filename == "" {
		filename = "file"
	}
	style := "inline"
	if download {
		style = "attachment"
	}
	disposition := fmt.Sprintf("%s; filename=%q", style, filename)

	url, err := s.blobs.Sign(ctx, record.BucketName, record.ObjectKey, disposition, s.urlExpiry)
	if err != nil {
		return "", storeFailure(err)
	}

	return url, nil
}

// Download opens a read stream on the stored blob of an existing record.
// The content type prefers the blob store's own knowledge, then the
// record, then application/octet-stream.
func (s *ImageService) Download(ctx context.Context, imageID string) (*ImageStream, error) {
	record, err := s.lookupRecord(ctx, imageID)
	if err != nil {
		return nil, err
	}

	obj, err := s.blobs.Get(ctx, record.BucketName, record.ObjectKey)
	if err != nil {
		return nil, storeFailure(err)
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = record.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &ImageStream{
		Body:          obj.Body,
		ContentType:   contentType,
		ContentLength: obj.ContentLength,
		Filename:      record.Filename,
	}, nil
}

// Delete removes the blob and then the metadata record. Both removals are
// attempted in that order; a blob failure leaves the record in place with
// no compensation.
func (s *ImageService) Delete(ctx context.Context, imageID string) error {
	// Read through the store, not the cache: delete must see store truth.
	record, err := s.meta.GetRecord(ctx, imageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storeFailure(err)
	}

	if err := s.blobs.Delete(ctx, record.BucketName, record.ObjectKey); err != nil {
		return storeFailure(err)
	}

	if err := s.meta.DeleteRecord(ctx, imageID); err != nil {
		return storeFailure(err)
	}

	if err := s.cache.DeleteRecord(ctx, imageID); err != nil {
		log.Printf("Failed to invalidate cache for deleted record %s: %v", imageID, err)
	}

	return nil
}

// lookupRecord resolves a record by id through the cache when possible,
// falling back to the metadata store and repopulating the cache on a hit.
func (s *ImageService) lookupRecord(ctx context.Context, imageID string) (*ImageRecord, error) {
	record, err := s.cache.GetRecord(ctx, imageID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		log.Printf("Failed to read cached record %s: %v", imageID, err)
	}

	record, err = s.meta.GetRecord(ctx, imageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeFailure(err)
	}

	if err := s.cache.SetRecord(ctx, record); err != nil {
		log.Printf("Failed to cache record %s: %v", imageID, err)
	}

	return record, nil
}

// storeFailure classifies an adapter failure under the error taxonomy,
// leaving sentinel errors untouched.
func storeFailure(err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
