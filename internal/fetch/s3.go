package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
)

// objectAPI is the subset of the S3 client the source needs.
type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures the s3:// source. Empty Endpoint and keys fall back
// to the default AWS credential chain.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Source fetches s3://bucket/key URLs.
type S3Source struct {
	api objectAPI
}

// NewS3Source builds a source backed by the AWS SDK.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Source{api: client}, nil
}

func newS3SourceWithAPI(api objectAPI) *S3Source {
	return &S3Source{api: api}
}

// Probe issues HeadObject.
func (s *S3Source) Probe(ctx context.Context, rawURL string) (Meta, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return Meta{Size: -1}, err
	}

	start := time.Now()
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err)
	if err != nil {
		return Meta{Size: -1}, classifyS3Err(ctx, "s3 head", err)
	}

	m := Meta{Size: -1, Filename: filenameFromDisposition(aws.ToString(out.ContentDisposition))}
	if out.ContentLength != nil {
		m.Size = *out.ContentLength
	}
	if m.Filename == "" {
		m.Filename = path.Base(key)
	}
	return m, nil
}

// Open issues GetObject.
func (s *S3Source) Open(ctx context.Context, rawURL string) (*Body, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("get_object", time.Since(start), err)
	if err != nil {
		return nil, classifyS3Err(ctx, "s3 get", err)
	}

	m := Meta{Size: -1, Filename: filenameFromDisposition(aws.ToString(out.ContentDisposition))}
	if out.ContentLength != nil {
		m.Size = *out.ContentLength
	}
	if m.Filename == "" {
		m.Filename = path.Base(key)
	}
	return &Body{ReadCloser: out.Body, Meta: m}, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%w: %q has no object key", ErrUnsupportedURL, rawURL)
	}
	return u.Host, key, nil
}

func classifyS3Err(ctx context.Context, op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		te := &delivery.TransportError{
			Transport: "source",
			Detail:    code + ": " + apiErr.ErrorMessage(),
			Err:       err,
		}
		switch code {
		case "NoSuchKey", "NotFound":
			te.Code, te.Permanent = 404, true
		case "AccessDenied", "Forbidden":
			te.Code, te.Permanent = 403, true
		case "NoSuchBucket":
			te.Code, te.Permanent = 404, true
		}
		return te
	}
	return classifyNetErr(ctx, op, err)
}
