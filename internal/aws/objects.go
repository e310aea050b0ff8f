package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is a write-then-read-by-key store over one S3 bucket.
type ObjectStore struct {
	S3     S3API
	Bucket string
}

// NewObjectStore returns an ObjectStore bound to bucket.
func NewObjectStore(client S3API, bucket string) *ObjectStore {
	return &ObjectStore{S3: client, Bucket: bucket}
}

// Put writes data under key, overwriting any previous object.
func (o *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := o.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &o.Bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentType:   &contentType,
		ContentLength: int64Ptr(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get reads the object stored under key.
func (o *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := o.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &o.Bucket,
		Key:    &key,
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get object %s: %w", key, ErrObjectNotFound)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return nil, fmt.Errorf("get object %s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func int64Ptr(v int64) *int64 { return &v }
