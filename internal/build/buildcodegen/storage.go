package buildcodegen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrDataTooLarge is returned when the storage rejects resource data because of its size.
var ErrDataTooLarge = errors.New("resource data too large")

// Storage stores resource data for the code generator.
type Storage interface {
	Upload(ctx context.Context, key string, data []byte) error
}

var _ Storage = (*S3Storage)(nil)

type S3Storage struct {
	client *s3.Client // required
	bucket string     // required

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int
}

func NewS3Storage(client *s3.Client, bucket string) *S3Storage {
	return &S3Storage{
		client:         client,
		bucket:         bucket,
		uploadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

// Upload implements Storage. It returns after the object is visible.
func (s *S3Storage) Upload(ctx context.Context, key string, data []byte) error {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = int64(s.uploadPartSize)
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrDataTooLarge, err)
		}
		return fmt.Errorf("buildcodegen.S3Storage: %w", err)
	}

	err = s3.NewObjectExistsWaiter(s.client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, time.Minute)
	if err != nil {
		return fmt.Errorf("buildcodegen.S3Storage: %w", err)
	}

	return nil
}
