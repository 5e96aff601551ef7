package backup

import (
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/yourusername/mcpal/internal/config"
)

// S3Destination stores archives in AWS S3 or S3-compatible storage
type S3Destination struct {
	config   config.DestinationConfig
	s3Client s3iface.S3API
	uploader *s3manager.Uploader
}

// NewS3Destination creates a new S3 destination
func NewS3Destination(cfg config.DestinationConfig) (*S3Destination, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// Without static keys the SDK default credential chain applies
	if cfg.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	// S3-compatible storage such as MinIO
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	// Create session
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	s3Client := s3.New(sess)

	dest := &S3Destination{
		config:   cfg,
		s3Client: s3Client,
		uploader: s3manager.NewUploaderWithClient(s3Client),
	}

	log.Printf("[S3Dest] Initialized S3 destination: bucket=%s, region=%s", cfg.Bucket, cfg.Region)

	return dest, nil
}

// Upload streams an archive to S3, using multipart upload for large files
func (sd *S3Destination) Upload(filename string, reader io.Reader, sizeBytes int64) error {
	key := sd.key(filename)
	log.Printf("[S3Dest] Uploading %s to s3://%s/%s (%d bytes)", filename, sd.config.Bucket, key, sizeBytes)

	_, err := sd.uploader.Upload(&s3manager.UploadInput{
		Bucket:       aws.String(sd.config.Bucket),
		Key:          aws.String(key),
		Body:         reader,
		ContentType:  aws.String(contentType(filename)),
		StorageClass: aws.String("STANDARD"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Printf("[S3Dest] Upload complete: %s", filename)
	return nil
}

// Delete removes an archive from S3
func (sd *S3Destination) Delete(filename string) error {
	key := sd.key(filename)
	log.Printf("[S3Dest] Deleting s3://%s/%s", sd.config.Bucket, key)

	_, err := sd.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(sd.config.Bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	log.Printf("[S3Dest] Delete complete: %s", filename)
	return nil
}

// List returns the archives under the configured prefix
func (sd *S3Destination) List() ([]ArchiveFile, error) {
	prefix := strings.Trim(sd.config.Path, "/")
	if prefix != "" {
		prefix += "/"
	}

	var files []ArchiveFile
	err := sd.s3Client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(sd.config.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			files = append(files, ArchiveFile{
				Filename:  name,
				SizeBytes: aws.Int64Value(obj.Size),
				CreatedAt: aws.TimeValue(obj.LastModified).Unix(),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list S3 objects: %w", err)
	}

	return files, nil
}

// GetType returns the destination type
func (sd *S3Destination) GetType() string {
	return "s3"
}

func (sd *S3Destination) key(filename string) string {
	return path.Join(strings.Trim(sd.config.Path, "/"), filename)
}

func contentType(filename string) string {
	if compressionFromFilename(filename) == CompressionNone {
		return "application/x-tar"
	}
	return "application/gzip"
}
