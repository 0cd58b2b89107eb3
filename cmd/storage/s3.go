package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Store reads and writes objects with the AWS SDK.
type S3Store struct {
	client s3iface.S3API
}

// NewS3Store creates a store over an S3 client.
func NewS3Store(client s3iface.S3API) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) ListPage(ctx context.Context, bucket, prefix, token string) ([]string, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	output, err := s.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return nil, "", err
	}

	keys := make([]string, 0, len(output.Contents))
	for _, object := range output.Contents {
		if key := aws.StringValue(object.Key); key != "" {
			keys = append(keys, key)
		}
	}

	return keys, aws.StringValue(output.NextContinuationToken), nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	output, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	if output.Body == nil {
		return nil, nil
	}
	defer output.Body.Close()

	body, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}

	return body, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObjectWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, err)
	}

	return nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}

	return false
}

var _ ObjectStore = (*S3Store)(nil)
