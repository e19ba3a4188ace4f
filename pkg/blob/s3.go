/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
)

// S3Store keeps blob metadata in the kvstore table and the (compressed)
// bytes in an S3 bucket at kvstore/<id>.
type S3Store struct {
	db     *database.Client
	client *s3.Client
	bucket string
}

// NewS3Store connects the configured bucket.
func NewS3Store(ctx context.Context, db *database.Client) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.GetS3Region()),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.GetS3AccessKey(), config.GetS3SecretKey(), "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(config.GetS3Endpoint())
		o.UsePathStyle = true
	})
	klog.InfoS("initialized s3 blob store", "endpoint", config.GetS3Endpoint(), "bucket", config.GetS3Bucket())
	return &S3Store{db: db, client: client, bucket: config.GetS3Bucket()}, nil
}

func (s *S3Store) key(id int64) string {
	return fmt.Sprintf("kvstore/%d", id)
}

func (s *S3Store) Put(ctx context.Context, contentType string, data []byte) (int64, error) {
	row := &model.KVStore{External: true}
	if err := encode(row, contentType, data); err != nil {
		return 0, err
	}
	payload := row.Data
	row.Data = nil
	id, err := s.db.CreateBlob(ctx, row)
	if err != nil {
		return 0, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		// Best effort: do not leave a metadata row pointing at nothing.
		if delErr := s.db.DeleteBlob(ctx, id); delErr != nil {
			klog.ErrorS(delErr, "failed to remove orphaned blob row", "blob", id)
		}
		return 0, fmt.Errorf("failed to upload blob %d: %w", id, err)
	}
	return id, nil
}

func (s *S3Store) fetch(ctx context.Context, row *model.KVStore) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(row.ID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %d: %w", row.ID, err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %d: %w", row.ID, err)
	}
	return decode(row, raw)
}

func (s *S3Store) Get(ctx context.Context, id int64) ([]byte, string, error) {
	row, err := s.db.GetBlob(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !row.External {
		// Row predates the s3 backend; bytes are inline.
		data, err := decode(row, row.Data)
		return data, row.ContentType, err
	}
	data, err := s.fetch(ctx, row)
	if err != nil {
		return nil, "", err
	}
	return data, row.ContentType, nil
}

func (s *S3Store) AppendText(ctx context.Context, id *int64, text string) (int64, error) {
	if id == nil {
		return s.Put(ctx, ContentTypeText, []byte(text))
	}
	existing, _, err := s.Get(ctx, *id)
	if err != nil {
		return 0, err
	}
	row, err := s.db.GetBlob(ctx, *id)
	if err != nil {
		return 0, err
	}
	row.External = true
	if err := encode(row, ContentTypeText, append(existing, text...)); err != nil {
		return 0, err
	}
	payload := row.Data
	row.Data = nil
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(row.ID)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload blob %d: %w", row.ID, err)
	}
	return row.ID, s.db.UpdateBlob(ctx, row)
}

func (s *S3Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	}); err != nil {
		klog.ErrorS(err, "failed to delete blob object", "blob", id)
	}
	return s.db.DeleteBlob(ctx, id)
}

// NewStore picks the configured backend.
func NewStore(ctx context.Context, db *database.Client) (Store, error) {
	if config.GetBlobBackend() == config.BlobBackendS3 {
		return NewS3Store(ctx, db)
	}
	return NewDatabaseStore(db), nil
}
