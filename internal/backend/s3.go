package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/mattjoyce/scatter/internal/config"
)

// S3 reads and writes s3://bucket/key locators.
type S3 struct {
	client s3iface.S3API
}

// NewS3 wraps an existing client.
func NewS3(client s3iface.S3API) *S3 { return &S3{client: client} }

// NewS3FromConfig builds a client from backend settings. Credentials come
// from the usual AWS environment and shared config chain.
func NewS3FromConfig(cfg config.S3Config) (*S3, error) {
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.PathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating S3 session: %w", err)
	}
	return NewS3(s3.New(sess)), nil
}

func parseS3(locator string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", fmt.Errorf("parsing S3 URL %v: %w", locator, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3://bucket/key locator: %s", locator)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("missing object key in %s", locator)
	}
	return u.Host, key, nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

func isS3InvalidRange(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == "InvalidRange"
}

// GetSize issues a HEAD request.
func (b *S3) GetSize(ctx context.Context, locator string) (uint64, error) {
	bucket, key, err := parseS3(locator)
	if err != nil {
		return 0, err
	}
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, fmt.Errorf("%s: %w", locator, ErrNotFound)
		}
		return 0, fmt.Errorf("head S3 object %v: %w", locator, err)
	}
	return uint64(aws.Int64Value(out.ContentLength)), nil
}

// ReadRange issues a ranged GET.
func (b *S3) ReadRange(ctx context.Context, locator string, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	bucket, key, err := parseS3(locator)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		switch {
		case isS3InvalidRange(err):
			// Offset at or past the end of the object.
			return []byte{}, nil
		case isS3NotFound(err):
			return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
		}
		return nil, fmt.Errorf("fetching S3 object %v: %w", locator, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, int64(length)))
	if err != nil {
		return nil, fmt.Errorf("reading S3 object %v: %w", locator, err)
	}
	return data, nil
}

// Put uploads data as a single object.
func (b *S3) Put(ctx context.Context, destination string, data []byte) error {
	bucket, key, err := parseS3(destination)
	if err != nil {
		return err
	}
	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("putting S3 object %v: %w", destination, err)
	}
	return nil
}
