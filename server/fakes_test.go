package server

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"
)

const testBucket = "test-bucket"

// newTestService wires an ImageService to fresh in-memory stores.
func newTestService() (*ImageService, *fakeMetadataStore, *fakeBlobStore) {
	meta := newFakeMetadataStore()
	blobs := newFakeBlobStore()
	svc := NewImageService(meta, blobs, &NoOpCache{}, testBucket, time.Minute)
	return svc, meta, blobs
}

// newCachedService wires a recording cache in front of the stores.
func newCachedService() (*ImageService, *fakeMetadataStore, *fakeBlobStore, *fakeCache) {
	meta := newFakeMetadataStore()
	blobs := newFakeBlobStore()
	cache := newFakeCache()
	svc := NewImageService(meta, blobs, cache, testBucket, time.Minute)
	return svc, meta, blobs, cache
}

func i64(v int64) *int64 {
	return &v
}

// fakeMetadataStore is an in-memory MetadataStore. Pages are cut from the
// insertion-ordered record list so the pagination loop sees real
// continuation tokens; pageSize 0 serves everything in one page.
type fakeMetadataStore struct {
	mu       sync.Mutex
	records  map[string]*ImageRecord
	order    []string
	pageSize int

	putErr    error
	getErr    error
	deleteErr error
	queryErr  error
	scanErr   error

	putCalls   int
	getCalls   int
	queryPages int
	scanPages  int
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{records: make(map[string]*ImageRecord)}
}

func (f *fakeMetadataStore) PutRecord(ctx context.Context, record *ImageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErr != nil {
		return f.putErr
	}
	if _, ok := f.records[record.ImageID]; !ok {
		f.order = append(f.order, record.ImageID)
	}
	cp := *record
	f.records[record.ImageID] = &cp
	return nil
}

func (f *fakeMetadataStore) GetRecord(ctx context.Context, imageID string) (*ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	record, ok := f.records[imageID]
	if !ok {
		return nil, fmt.Errorf("image record %s: %w", imageID, ErrNotFound)
	}
	cp := *record
	return &cp, nil
}

func (f *fakeMetadataStore) DeleteRecord(ctx context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.records[imageID]; ok {
		delete(f.records, imageID)
		for i, id := range f.order {
			if id == imageID {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (f *fakeMetadataStore) QueryByUser(ctx context.Context, query *RecordQuery, startToken PageToken) ([]*ImageRecord, PageToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryPages++
	if f.queryErr != nil {
		return nil, nil, f.queryErr
	}

	// Key condition: user equality plus the created_at range.
	var candidates []*ImageRecord
	for _, id := range f.order {
		record := f.records[id]
		if record.UserID == query.UserID && createdAtInRange(record, query) {
			candidates = append(candidates, record)
		}
	}

	return f.page(candidates, startToken, func(record *ImageRecord) bool {
		return hasTag(record, query.Tag)
	})
}

func (f *fakeMetadataStore) Scan(ctx context.Context, query *RecordQuery, startToken PageToken) ([]*ImageRecord, PageToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanPages++
	if f.scanErr != nil {
		return nil, nil, f.scanErr
	}

	candidates := make([]*ImageRecord, 0, len(f.order))
	for _, id := range f.order {
		candidates = append(candidates, f.records[id])
	}

	return f.page(candidates, startToken, func(record *ImageRecord) bool {
		return hasTag(record, query.Tag) && createdAtInRange(record, query)
	})
}

// page slices one page off candidates and applies the filter to it, the way
// DynamoDB filters after cutting a page: a page may come back empty while a
// continuation token remains.
func (f *fakeMetadataStore) page(candidates []*ImageRecord, startToken PageToken, keep func(*ImageRecord) bool) ([]*ImageRecord, PageToken, error) {
	start := 0
	if startToken != nil {
		idx, ok := startToken.(int)
		if !ok {
			return nil, nil, fmt.Errorf("invalid continuation token type %T", startToken)
		}
		start = idx
	}

	end := len(candidates)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}

	items := make([]*ImageRecord, 0, end-start)
	for _, record := range candidates[start:end] {
		if keep(record) {
			cp := *record
			items = append(items, &cp)
		}
	}

	if end < len(candidates) {
		return items, end, nil
	}
	return items, nil, nil
}

func createdAtInRange(record *ImageRecord, query *RecordQuery) bool {
	if query.CreatedAfter != nil && record.CreatedAt < *query.CreatedAfter {
		return false
	}
	if query.CreatedBefore != nil && record.CreatedAt > *query.CreatedBefore {
		return false
	}
	return true
}

func hasTag(record *ImageRecord, tag string) bool {
	if tag == "" {
		return true
	}
	for _, t := range record.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// fakeBlob is one stored payload with its declared content type.
type fakeBlob struct {
	data        []byte
	contentType string
}

// fakeBlobStore is an in-memory BlobStore keyed by bucket/key.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string]fakeBlob

	putErr    error
	getErr    error
	headErr   error
	deleteErr error
	signErr   error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string]fakeBlob)}
}

func blobAddr(bucket, key string) string {
	return bucket + "/" + key
}

func (f *fakeBlobStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.blobs[blobAddr(bucket, key)] = fakeBlob{
		data:        append([]byte(nil), data...),
		contentType: contentType,
	}
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, bucket, key string) (*BlobObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	blob, ok := f.blobs[blobAddr(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("blob %s/%s: %w", bucket, key, ErrNotFound)
	}
	return &BlobObject{
		Body:          io.NopCloser(bytes.NewReader(blob.data)),
		ContentType:   blob.contentType,
		ContentLength: int64(len(blob.data)),
	}, nil
}

func (f *fakeBlobStore) Head(ctx context.Context, bucket, key string) (*BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	blob, ok := f.blobs[blobAddr(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("blob %s/%s: %w", bucket, key, ErrNotFound)
	}
	return &BlobInfo{
		Size:        int64(len(blob.data)),
		ContentType: blob.contentType,
	}, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.blobs, blobAddr(bucket, key))
	return nil
}

func (f *fakeBlobStore) Sign(ctx context.Context, bucket, key, disposition string, expiry time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return "", f.signErr
	}
	signed := fmt.Sprintf("https://blobs.test/%s/%s?X-Amz-Expires=%d", bucket, key, int(expiry.Seconds()))
	if disposition != "" {
		signed += "&response-content-disposition=" + url.QueryEscape(disposition)
	}
	return signed, nil
}

func (f *fakeBlobStore) contains(bucket, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[blobAddr(bucket, key)]
	return ok
}

func (f *fakeBlobStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

// fakeCache records cache traffic; errors can be injected to verify the
// advisory contract.
type fakeCache struct {
	mu      sync.Mutex
	records map[string]*ImageRecord

	getErr    error
	setErr    error
	deleteErr error

	gets    int
	sets    int
	deletes int
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: make(map[string]*ImageRecord)}
}

func (f *fakeCache) GetRecord(ctx context.Context, imageID string) (*ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	record, ok := f.records[imageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (f *fakeCache) SetRecord(ctx context.Context, record *ImageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	cp := *record
	f.records[record.ImageID] = &cp
	return nil
}

func (f *fakeCache) DeleteRecord(ctx context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records, imageID)
	return nil
}

func (f *fakeCache) cached(imageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[imageID]
	return ok
}

// pngFixture encodes a width x height PNG in-process.
func pngFixture(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG fixture: %v", err)
	}
	return buf.Bytes()
}

// jpegFixture encodes a 2x2 JPEG in-process.
func jpegFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, color.RGBA{G: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode JPEG fixture: %v", err)
	}
	return buf.Bytes()
}

// gifFixture encodes a 2x2 GIF: a well-formed image outside the supported
// formats.
func gifFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode GIF fixture: %v", err)
	}
	return buf.Bytes()
}
