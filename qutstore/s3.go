// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package qutstore // import "github.com/quickenunwind/quicken/qutstore"

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	sha256 "github.com/minio/sha256-simd"
)

const (
	// DefaultS3Prefix is prepended to all object keys.
	DefaultS3Prefix = "quicken-tables/"
	contentType     = "application/octet-stream"
	// maxObjectSize bounds downloads.
	maxObjectSize = 256 << 20
	// s3ResultsPerPage is the page size used when listing objects.
	s3ResultsPerPage = 1000
)

// s3API is the subset of the S3 client used by the mirror.
type s3API interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (
		*s3.PutObjectOutput, error)
	GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (
		*s3.GetObjectOutput, error)
	HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (
		*s3.HeadObjectOutput, error)
	DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (
		*s3.DeleteObjectOutput, error)
	ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (
		*s3.ListObjectsV2Output, error)
}

// S3Config selects the bucket of an S3Mirror.
type S3Config struct {
	Bucket string
	// Prefix defaults to DefaultS3Prefix.
	Prefix string
	// Endpoint and Region override the values from the AWS configuration,
	// for S3 compatible object stores.
	Endpoint  string
	Region    string
	PathStyle bool
}

// S3Mirror stores table files in an S3 bucket under the same names as in
// the local directory.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Mirror creates a mirror from the default AWS configuration.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("no bucket given")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Mirror(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Mirror(client s3API, bucket, prefix string) *S3Mirror {
	if prefix == "" {
		prefix = DefaultS3Prefix
	}
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}
}

func (m *S3Mirror) key(name string) string {
	return m.prefix + name
}

// Upload stores data under name unless an object with that name exists.
func (m *S3Mirror) Upload(ctx context.Context, name string, data []byte) error {
	present, err := m.IsPresent(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check whether %s exists on remote: %w", name, err)
	}
	if present {
		return nil
	}

	sum := sha256.Sum256(data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(m.bucket),
		Key:            aws.String(m.key(name)),
		Body:           bytes.NewReader(data),
		ContentType:    aws.String(contentType),
		ChecksumSHA256: aws.String(checksum),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return nil
}

// Download returns the object stored under name. A missing object is
// reported as fs.ErrNotExist.
func (m *S3Mirror) Download(ctx context.Context, name string) ([]byte, error) {
	resp, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		if isErrNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to request %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to receive %s: %w", name, err)
	}
	if len(data) > maxObjectSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, maxObjectSize)
	}
	return data, nil
}

// IsPresent checks whether an object named name exists.
func (m *S3Mirror) IsPresent(ctx context.Context, name string) (bool, error) {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		if isErrNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query existence of %s: %w", name, err)
	}
	return true, nil
}

// Remove deletes the object named name. Missing objects are ignored.
func (m *S3Mirror) Remove(ctx context.Context, name string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil && !isErrNoSuchKey(err) {
		return fmt.Errorf("failed to delete %s from remote: %w", name, err)
	}
	return nil
}

// List returns the names of all mirrored files and their last change.
func (m *S3Mirror) List(ctx context.Context) (map[string]time.Time, error) {
	files := map[string]time.Time{}
	var token *string
	for {
		resp, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.bucket),
			Prefix:            aws.String(m.prefix),
			MaxKeys:           aws.Int32(s3ResultsPerPage),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 request failed: %w", err)
		}
		for _, obj := range resp.Contents {
			if obj.Key == nil || obj.LastModified == nil {
				return nil, errors.New("s3 object lacks required field")
			}
			files[strings.TrimPrefix(*obj.Key, m.prefix)] = *obj.LastModified
		}
		if !aws.ToBool(resp.IsTruncated) {
			return files, nil
		}
		token = resp.NextContinuationToken
	}
}

// isErrNoSuchKey checks whether err reports a missing key. HeadObject
// returns NotFound instead of NoSuchKey, so both are accepted.
func isErrNoSuchKey(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// Clean removes the mirrored files not changed within maxAge.
func (m *S3Mirror) Clean(ctx context.Context, maxAge time.Duration) (int, error) {
	files, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for name, modified := range files {
		if modified.After(cutoff) {
			continue
		}
		if err := m.Remove(ctx, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
