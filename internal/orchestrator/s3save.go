package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Mirror uploads converted PDFs to a bucket. The local outbound copy stays
// authoritative; downloads are always served from disk.
type S3Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Mirror loads the default AWS credential chain and region.
func NewS3Mirror(ctx context.Context, bucket, prefix string) (*S3Mirror, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &S3Mirror{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// Key returns the object key a PDF is stored under.
func (m *S3Mirror) Key(name string) string {
	return objectKey(m.prefix, name)
}

func objectKey(prefix, name string) string {
	p := strings.Trim(prefix, "/")
	if p == "" {
		return name
	}
	return p + "/" + name
}

// Publish uploads the file at localPath as name.
func (m *S3Mirror) Publish(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	key := m.Key(name)
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/pdf"),
		Metadata: map[string]string{
			"source":  "docpdf",
			"created": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", m.bucket, key, err)
	}
	log.Info().Str("file", name).Str("s3_key", key).Msg("mirrored converted file to S3")
	return nil
}

// CheckBucket verifies the bucket is reachable with the loaded credentials.
func (m *S3Mirror) CheckBucket(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	return err
}
