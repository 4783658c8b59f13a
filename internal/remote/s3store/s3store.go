// Package s3store keeps a vCard collection as objects under a bucket prefix.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/cardsync/internal/remote"
)

const defaultRegion = "us-east-1"

var ErrMissingBucket = errors.New("s3store: bucket is required")

type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ remote.Collection = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		// AWS_CA_BUNDLE can only be applied to a buildable client
		config.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(timeout)),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

func (s *Store) List(ctx context.Context) ([]remote.ResourceRef, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var refs []remote.ResourceRef
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("ListObjectsV2", s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, remote.CardExt) {
				continue
			}
			refs = append(refs, remote.ResourceRef{
				Href: key,
				ETag: remote.NormalizeETag(aws.ToString(obj.ETag)),
			})
		}
	}
	return refs, nil
}

func (s *Store) Fetch(ctx context.Context, href string) (*remote.Resource, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(href),
	})
	if err != nil {
		return nil, mapError("GetObject", href, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &remote.TransportError{Op: "GetObject", Href: href, Err: err}
	}

	return &remote.Resource{
		Href:    href,
		ETag:    remote.NormalizeETag(aws.ToString(resp.ETag)),
		Payload: payload,
	}, nil
}

func (s *Store) Put(ctx context.Context, href string, payload []byte, expectedETag string) (*remote.ResourceRef, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(remote.ContentType),
	}

	if href == "" {
		href = s.prefix + remote.NewResourceName()
		input.IfNoneMatch = aws.String("*")
	} else if expectedETag != "" {
		input.IfMatch = aws.String(remote.QuoteETag(expectedETag))
	}
	input.Key = aws.String(href)

	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		return nil, mapError("PutObject", href, err)
	}

	return &remote.ResourceRef{
		Href: href,
		ETag: remote.NormalizeETag(aws.ToString(resp.ETag)),
	}, nil
}

// Delete checks the current etag with HeadObject before deleting, since not
// every S3-compatible server honours conditional deletes.
func (s *Store) Delete(ctx context.Context, href string, expectedETag string) error {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(href),
	})
	if err != nil {
		return mapError("HeadObject", href, err)
	}

	current := remote.NormalizeETag(aws.ToString(head.ETag))
	if expectedETag != "" && current != remote.NormalizeETag(expectedETag) {
		return fmt.Errorf("DeleteObject %s: %w", href, remote.ErrConflict)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(href),
	}); err != nil {
		return mapError("DeleteObject", href, err)
	}

	slog.Debug("s3store delete", "bucket", s.bucket, "key", href)
	return nil
}

func mapError(op, href string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %s: %w", op, href, remote.ErrNotFound)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, href, remote.ErrNotFound)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%s %s: %w", op, href, remote.ErrConflict)
		default:
			return &remote.TransportError{Op: op, Href: href, StatusCode: respErr.HTTPStatusCode(), Err: err}
		}
	}

	return &remote.TransportError{Op: op, Href: href, Err: err}
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
