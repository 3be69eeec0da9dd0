package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"capsync/internal/capsync"
	"capsync/internal/config"
)

// S3Transport delivers captures as objects in a bucket:
//
//	<prefix>/captures/<checksum>.json
//
// Uploads go through the multipart upload manager so large captures are
// split transparently.
type S3Transport struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Transport loads AWS configuration and creates the transport. Static
// credentials from cfg take precedence over the default chain; a custom
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Transport(ctx context.Context, cfg config.TransportConfig) (*S3Transport, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("s3 transport requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Transport{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
	}, nil
}

// Do serves the request against the bucket.
func (t *S3Transport) Do(ctx context.Context, req *capsync.Request) (*capsync.Response, error) {
	return serveSink(ctx, t, req)
}

func (t *S3Transport) key(sum string) string {
	return path.Join(t.prefix, "captures", sum+".json")
}

func (t *S3Transport) putCapture(ctx context.Context, sum string, body []byte) error {
	_, err := t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(t.key(sum)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s3Error("upload capture", err)
	}
	return nil
}

func (t *S3Transport) ping(ctx context.Context) error {
	if _, err := t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.bucket)}); err != nil {
		return s3Error("head bucket", err)
	}
	return nil
}

// s3Error maps SDK failures onto the transport taxonomy: a response with a
// status code is an HTTPError, anything else a NetworkError.
func s3Error(op string, err error) error {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) && re.HTTPStatusCode() > 0 {
		return &capsync.HTTPError{Status: re.HTTPStatusCode(), Body: op + ": " + err.Error()}
	}
	return &capsync.NetworkError{Op: op, Err: err}
}

var _ capsync.Transport = (*S3Transport)(nil)
