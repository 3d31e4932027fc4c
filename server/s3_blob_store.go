package server

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3BlobStore implements the BlobStore interface using AWS S3
type S3BlobStore struct {
	s3Client *s3.S3
	uploader *s3manager.Uploader
}

// NewS3BlobStore creates a new S3 blob store
func NewS3BlobStore(sess *session.Session) *S3BlobStore {
	return &S3BlobStore{
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}
}

// Put uploads a blob with its declared content type
func (s *S3BlobStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload blob: %v", err)
	}

	return nil
}

// Get opens a read stream on a blob together with its stored headers
func (s *S3BlobStore) Get(ctx context.Context, bucket, key string) (*BlobObject, error) {
	output, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %v", err)
	}

	obj := &BlobObject{
		Body:          output.Body,
		ContentType:   aws.StringValue(output.ContentType),
		ContentLength: -1,
	}
	if output.ContentLength != nil {
		obj.ContentLength = *output.ContentLength
	}

	return obj, nil
}

// Head probes a blob's size and content type without fetching the body
func (s *S3BlobStore) Head(ctx context.Context, bucket, key string) (*BlobInfo, error) {
	output, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head blob: %v", err)
	}

	return &BlobInfo{
		Size:        aws.Int64Value(output.ContentLength),
		ContentType: aws.StringValue(output.ContentType),
	}, nil
}

// Delete removes a blob
func (s *S3BlobStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob: %v", err)
	}

	return nil
}

// Sign generates a time-limited retrieval URL for a blob. A non-empty
// disposition is carried as the response-content-disposition of the signed
// request.
func (s *S3BlobStore) Sign(ctx context.Context, bucket, key, disposition string, expiry time.Duration) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if disposition != "" {
		input.ResponseContentDisposition = aws.String(disposition)
	}

	req, _ := s.s3Client.GetObjectRequest(input)
	url, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign blob url: %v", err)
	}

	return url, nil
}
