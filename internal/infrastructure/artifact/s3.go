package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
	Anonymous bool
}

// S3Reader serves s3://bucket/key locators. Retries are left to the
// resilience executor, so the SDK retryer is disabled.
type S3Reader struct {
	client   *s3.Client
	maxBytes int64
}

func NewS3Reader(ctx context.Context, cfg S3Config, maxBytes int64) (*S3Reader, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.Anonymous {
			o.Credentials = aws.AnonymousCredentials{}
		}
	})
	return &S3Reader{client: client, maxBytes: maxBytes}, nil
}

func (r *S3Reader) Read(ctx context.Context, locator *url.URL) ([]byte, error) {
	bucket, key := locator.Host, strings.TrimPrefix(locator.Path, "/")
	if bucket == "" || key == "" {
		return nil, notFound(locator, errors.New("locator needs bucket and key"))
	}
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, notFound(locator, err)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()
	return readCapped(out.Body, r.maxBytes)
}
