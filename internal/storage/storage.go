// Package storage fetches stored notification emails from Amazon S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrMalformedEvent is returned when a trigger payload does not name a
// bucket and key.
var ErrMalformedEvent = errors.New("storage: event does not reference an object")

// Config holds the settings for creating a Fetcher.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectRef addresses one stored email.
type ObjectRef struct {
	Bucket string
	Key    string
}

func (r ObjectRef) String() string {
	return r.Bucket + "/" + r.Key
}

// GetObjectAPI is the interface for the S3 GetObject operation.
// Used for testing with mock implementations.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher reads raw email bytes from S3.
type Fetcher struct {
	client GetObjectAPI
}

// New creates a Fetcher. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Fetcher{client: s3.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a Fetcher with a custom client, used for testing.
func NewWithClient(client GetObjectAPI) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch returns the full content of the object at ref.
func (f *Fetcher) Fetch(ctx context.Context, ref ObjectRef) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", ref, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", ref, err)
	}
	return raw, nil
}

// RefsFromEvent returns the objects named by an S3 notification. Object keys
// arrive URL-encoded and are decoded here.
func RefsFromEvent(evt events.S3Event) ([]ObjectRef, error) {
	if len(evt.Records) == 0 {
		return nil, ErrMalformedEvent
	}

	refs := make([]ObjectRef, 0, len(evt.Records))
	for i, rec := range evt.Records {
		bucket := rec.S3.Bucket.Name
		rawKey := rec.S3.Object.Key
		if bucket == "" || rawKey == "" {
			return nil, fmt.Errorf("%w: record %d", ErrMalformedEvent, i)
		}

		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d key %q: %v", ErrMalformedEvent, i, rawKey, err)
		}
		refs = append(refs, ObjectRef{Bucket: bucket, Key: key})
	}
	return refs, nil
}
