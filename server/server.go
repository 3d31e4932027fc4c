package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// allowedContentTypes maps accepted upload content types to the filename
// extensions each may carry.
var allowedContentTypes = map[string][]string{
	"image/jpeg": {".jpg", ".jpeg"},
	"image/png":  {".png"},
}

// Server represents the image storage HTTP server
type Server struct {
	config  *Config
	service *ImageService
	cache   Cache
	router  *gin.Engine
}

// NewServer creates a new image storage server
func NewServer(config *Config) (*Server, error) {
	sess, err := newAWSSession(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %v", err)
	}

	meta := NewDynamoDBStore(sess, config.AWS.DynamoDB.TableName)
	blobs := NewS3BlobStore(sess)

	// Create Redis cache or fall back to NoOpCache if Redis is not available
	var cache Cache = &NoOpCache{}
	if config.AWS.ElastiCache.Address != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		redisCache, err := NewRedisCache(ctx, config.AWS.ElastiCache.Address, config.AWS.ElastiCache.TTL)
		if err != nil {
			log.Printf("Warning: Failed to create Redis cache: %v. Continuing with NoOpCache.", err)
		} else {
			cache = redisCache
			log.Printf("Successfully connected to Redis cache at %s", config.AWS.ElastiCache.Address)
		}
	} else {
		log.Printf("No Redis address configured. Using NoOpCache.")
	}

	service := NewImageService(meta, blobs, cache,
		config.AWS.S3.BucketName,
		time.Duration(config.AWS.S3.URLExpiry)*time.Second)

	s := &Server{
		config:  config,
		service: service,
		cache:   cache,
	}
	s.router = s.buildRouter()

	return s, nil
}

// newAWSSession builds the shared session for both store adapters. An
// explicit endpoint switches S3 to path-style addressing, as required by
// LocalStack and other S3-compatible endpoints.
func newAWSSession(config *Config) (*session.Session, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.AWS.Region),
	}
	if config.AWS.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.AWS.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	if config.AWS.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AWS.AccessKeyID, config.AWS.SecretAccessKey, "")
	}

	return session.NewSession(awsConfig)
}

// buildRouter wires the HTTP routes
func (s *Server) buildRouter() *gin.Engine {
	router := gin.Default()
	router.Use(cors.Default())

	router.GET("/health", s.handleHealth)

	images := router.Group("/images")
	{
		images.POST("", s.handleUploadBase64)
		images.POST("/upload-file", s.handleUploadFile)
		images.POST("/finalize", s.handleFinalize)
		images.GET("", s.handleList)
		images.GET("/:image_id/url", s.handlePresignedURL)
		images.GET("/:image_id/download", s.handleDownload)
		images.DELETE("/:image_id", s.handleDelete)
	}

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	log.Printf("HTTP server listening on %s", addr)
	return s.router.Run(addr)
}

// Stop releases server resources
func (s *Server) Stop() {
	if closer, ok := s.cache.(io.Closer); ok {
		closer.Close()
	}
}

// handleHealth reports service liveness
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUploadFile accepts a multipart image upload
func (s *Server) handleUploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		fail(c, fmt.Errorf("%w: file", ErrMissingRequiredFields), "upload_failed")
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if err := checkUploadType(fileHeader.Filename, contentType); err != nil {
		fail(c, err, "upload_failed")
		return
	}

	metadata, err := parseUserMetadata(c.PostForm("metadata"))
	if err != nil {
		fail(c, err, "upload_failed")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		fail(c, err, "upload_failed")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		fail(c, err, "upload_failed")
		return
	}

	result, err := s.service.Upload(c.Request.Context(), &UploadParams{
		UserID:      c.PostForm("user_id"),
		Filename:    fileHeader.Filename,
		ContentType: contentType,
		Data:        data,
		Metadata:    metadata,
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
		Tags:        splitTags(c.PostForm("tags")),
	})
	if err != nil {
		fail(c, err, "upload_failed")
		return
	}

	c.JSON(http.StatusCreated, result)
}

// base64UploadRequest is the JSON body of the base64 ingestion path.
type base64UploadRequest struct {
	UserID      string          `json:"user_id"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"content_type"`
	DataBase64  string          `json:"data_base64"`
	Metadata    json.RawMessage `json:"metadata"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
}

// handleUploadBase64 accepts a JSON upload with a base64-encoded payload
func (s *Server) handleUploadBase64(c *gin.Context) {
	var req base64UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("upload_failed: invalid request body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	metadata, err := parseUserMetadataJSON(req.Metadata)
	if err != nil {
		fail(c, err, "upload_failed")
		return
	}

	result, err := s.service.UploadBase64(c.Request.Context(), &Base64UploadParams{
		UserID:      req.UserID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		DataBase64:  req.DataBase64,
		Metadata:    metadata,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
	})
	if err != nil {
		fail(c, err, "upload_failed")
		return
	}

	c.JSON(http.StatusCreated, result)
}

// finalizeRequest is the JSON body of the deferred-upload finalization.
type finalizeRequest struct {
	UserID      string          `json:"user_id"`
	ImageID     string          `json:"image_id"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"content_type"`
	Metadata    json.RawMessage `json:"metadata"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
}

// handleFinalize registers a record for a blob already uploaded to the
// canonical key
func (s *Server) handleFinalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("finalize_failed: invalid request body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	metadata, err := parseUserMetadataJSON(req.Metadata)
	if err != nil {
		fail(c, err, "finalize_failed")
		return
	}

	imageID, err := s.service.Finalize(c.Request.Context(), &FinalizeParams{
		UserID:      req.UserID,
		ImageID:     req.ImageID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Metadata:    metadata,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
	})
	if err != nil {
		fail(c, err, "finalize_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"image_id": imageID})
}

// listQuery binds the listing filters
type listQuery struct {
	UserID        string `form:"user_id"`
	Tag           string `form:"tag"`
	CreatedAfter  *int64 `form:"created_after"`
	CreatedBefore *int64 `form:"created_before"`
}

// handleList returns all records matching the given filters
func (s *Server) handleList(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		log.Printf("list_failed: invalid query parameters: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query_parameters"})
		return
	}

	records, err := s.service.List(c.Request.Context(), &RecordQuery{
		UserID:        q.UserID,
		Tag:           q.Tag,
		CreatedAfter:  q.CreatedAfter,
		CreatedBefore: q.CreatedBefore,
	})
	if err != nil {
		fail(c, err, "list_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": len(records), "items": records})
}

// handlePresignedURL returns a time-limited access URL for an image
func (s *Server) handlePresignedURL(c *gin.Context) {
	download, _ := strconv.ParseBool(c.DefaultQuery("download", "false"))

	url, err := s.service.PresignedAccess(c.Request.Context(), c.Param("image_id"), download)
	if err != nil {
		fail(c, err, "presign_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// handleDownload streams the stored blob as an attachment
func (s *Server) handleDownload(c *gin.Context) {
	stream, err := s.service.Download(c.Request.Context(), c.Param("image_id"))
	if err != nil {
		fail(c, err, "download_failed")
		return
	}
	defer stream.Body.Close()

	filename := stream.Filename
	if filename == "" {
		filename = "file"
	}
	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", filename),
	}

	c.DataFromReader(http.StatusOK, stream.ContentLength, stream.ContentType, stream.Body, headers)
}

// handleDelete removes an image and its record
func (s *Server) handleDelete(c *gin.Context) {
	imageID := c.Param("image_id")

	if err := s.service.Delete(c.Request.Context(), imageID); err != nil {
		fail(c, err, "delete_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": imageID})
}

// checkUploadType enforces the upload allow-list: the declared content
// type must be a supported image type and the filename extension must
// agree with it.
func checkUploadType(filename, contentType string) error {
	exts, ok := allowedContentTypes[contentType]
	if !ok {
		return fmt.Errorf("%w: content type %q", ErrUnsupportedImageType, contentType)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range exts {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: extension %q does not match content type %q", ErrUnsupportedImageType, ext, contentType)
}

// parseUserMetadataJSON parses the optional metadata member of a JSON
// request body. An explicit JSON null counts as absent.
func parseUserMetadataJSON(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return parseUserMetadata(string(raw))
}

// parseUserMetadata parses the optional metadata field, which must be a
// JSON object when present.
func parseUserMetadata(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}

	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadataShape, err)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata is null", ErrInvalidMetadataShape)
	}
	return metadata, nil
}

// splitTags parses a comma-separated tag list, trimming whitespace and
// dropping empty entries.
func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// errorStatus maps taxonomy errors to HTTP status codes and stable
// machine-readable codes. Unclassified errors map to 500 with an empty
// code so the caller can substitute an operation-specific one.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnsupportedImageType):
		return http.StatusBadRequest, "unsupported_image_type"
	case errors.Is(err, ErrMissingRequiredFields):
		return http.StatusBadRequest, "missing_required_fields"
	case errors.Is(err, ErrInvalidBase64):
		return http.StatusBadRequest, "invalid_base64"
	case errors.Is(err, ErrInvalidMetadataShape):
		return http.StatusBadRequest, "invalid_metadata_shape"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, ""
	}
}

// fail logs the failure and writes the mapped error response.
func fail(c *gin.Context, err error, fallbackCode string) {
	status, code := errorStatus(err)
	if code == "" {
		code = fallbackCode
	}
	log.Printf("%s: %v", fallbackCode, err)
	c.JSON(status, gin.H{"error": code})
}
