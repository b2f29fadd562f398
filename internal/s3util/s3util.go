// Package s3util creates clients for S3-compatible object storage.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	transport "github.com/aws/smithy-go/endpoints"
)

type Config struct {
	// ConnectionString has the format http://key:secret@s3:9000.
	// For MinIO, the key and secret are the username and password respectively.
	ConnectionString string `env:"CONNECTION_STRING"`
	Bucket           string `env:"BUCKET" envDefault:"build-manager"`
	Region           string `env:"REGION" envDefault:"us-east-1"`
}

// NewClient creates a new Client using the provided connection string.
func NewClient(connectionString, region string) (*s3.Client, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("s3util: invalid connection string: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("s3util: invalid connection string: missing scheme or host")
	}

	username := u.User.Username()
	password, _ := u.User.Password()
	u.User = nil

	client := s3.New(
		s3.Options{
			Region:             region,
			Credentials:        credentials.NewStaticCredentialsProvider(username, password, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
		},
	)
	return client, nil
}

// endpointResolver implements s3.EndpointResolverV2.
// It resolves path-style endpoints for S3-compatible object storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	if params.Bucket != nil {
		u.Path += "/" + *params.Bucket
	}
	return transport.Endpoint{URI: u}, nil
}

// Setup creates the bucket if it doesn't exist and waits until it is available.
func Setup(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	err = s3.NewBucketExistsWaiter(client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: aws.String(bucket)},
		time.Minute,
	)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	return nil
}
