package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures the S3 compatible endpoint behind s3:// urls.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3 serves s3:// urls.
type S3 struct {
	client *minio.Client
}

func NewS3(o S3Options) (*S3, error) {
	creds := credentials.NewStaticV4(o.AccessKey, o.SecretKey, "")
	if o.AccessKey == "" {
		creds = credentials.NewEnvAWS()
	}
	endpoint := o.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: o.UseSSL,
		Region: o.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating s3 client for %s: %w", endpoint, err)
	}
	return &S3{client: client}, nil
}

func (s *S3) Get(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(url, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap(url, err)
	}
	return data, nil
}

func (s *S3) Put(ctx context.Context, url string, body []byte, contentType string) error {
	bucket, key, err := bucketKey(url)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("error writing object %s: %w", url, err)
	}
	return nil
}

func (s *S3) wrap(url string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", url, ErrNotExist)
	}
	return fmt.Errorf("error reading object %s: %w", url, err)
}
