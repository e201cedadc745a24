package subaru

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BucketClient wraps the S3 client for the off-site backup bucket. Any
// S3-compatible endpoint works (R2, MinIO, plain S3).
type BucketClient struct {
	Client     *s3.Client
	BucketName string
}

// NewBucketClient initializes the client from S3_* configuration values.
func NewBucketClient(ctx context.Context, cfg *Config) (*BucketClient, error) {
	endpoint := cfg.Values["S3_ENDPOINT"]
	accessKey := cfg.Values["S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["S3_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["S3_BUCKET_NAME"]
	region := cfg.Values["S3_REGION"]
	if region == "" {
		region = "auto"
	}

	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("S3 credentials missing in configuration (S3_ENDPOINT, S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY, S3_BUCKET_NAME)")
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithRegion(region),
	}
	if Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &BucketClient{Client: client, BucketName: bucketName}, nil
}

// UploadFile uploads a small in-memory blob under key.
func (b *BucketClient) UploadFile(ctx context.Context, key string, body []byte) error {
	_, err := b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.BucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

// UploadLocalFile streams a file from disk as the request body. Backup
// archives run to gigabytes; they must never be buffered whole in memory.
func (b *BucketClient) UploadLocalFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.BucketName),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	return err
}

// bucketUploader is the upload surface pushBackup needs; tests substitute it.
type bucketUploader interface {
	UploadLocalFile(ctx context.Context, key, path string) error
	UploadFile(ctx context.Context, key string, body []byte) error
}

// PushBackup uploads a backup archive and its checksum sidecar to the
// bucket under backups/<name>. The archive may be referenced by name or by
// absolute path, same as restore.
func PushBackup(ctx context.Context, cfg *Config, ref string) error {
	client, err := NewBucketClient(ctx, cfg)
	if err != nil {
		return err
	}
	return pushBackup(ctx, client, cfg, ref)
}

func pushBackup(ctx context.Context, up bucketUploader, cfg *Config, ref string) error {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.BackupsDir, ref)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, ref)
	}

	key := "backups/" + filepath.Base(path)
	colArrow.Print("-> ")
	colInfo.Printf("Uploading %s (%d bytes)\n", key, info.Size())
	if err := up.UploadLocalFile(ctx, key, path); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	// The sidecar is a one-line checksum; pre-sidecar archives have none.
	if sum, err := os.ReadFile(path + ".b3sum"); err == nil {
		if err := up.UploadFile(ctx, key+".b3sum", sum); err != nil {
			return fmt.Errorf("failed to upload %s.b3sum: %w", key, err)
		}
	}

	colArrow.Print("-> ")
	colSuccess.Println("Backup pushed to bucket")
	return nil
}
