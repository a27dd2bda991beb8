package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/gowebpki/jcs"
)

// ErrAnchorMismatch is returned when an epoch is already anchored with
// different content.
var ErrAnchorMismatch = errors.New("anchored checkpoint differs from committed checkpoint")

// ObjectAPI is the subset of the S3 client the anchor uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3AnchorConfig holds configuration for S3Anchor.
type S3AnchorConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix
}

// S3Anchor writes each checkpoint once to an S3 bucket. Objects are created
// with If-None-Match: * so an epoch, once anchored, is never overwritten.
type S3Anchor struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3Anchor loads AWS configuration from the environment and returns an anchor.
func NewS3Anchor(ctx context.Context, cfg S3AnchorConfig) (*S3Anchor, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3AnchorWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3AnchorWithClient returns an anchor over an existing client.
func NewS3AnchorWithClient(client ObjectAPI, bucket, prefix string) *S3Anchor {
	return &S3Anchor{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/")}
}

// Key returns the object key for an epoch. Zero padding keeps keys in epoch order.
func (a *S3Anchor) Key(epoch uint64) string {
	name := fmt.Sprintf("epoch-%020d.json", epoch)
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// Document returns the canonical JSON an epoch is anchored as.
func Document(cp Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %d: %w", cp.Epoch, err)
	}
	doc, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize checkpoint %d: %w", cp.Epoch, err)
	}
	return doc, nil
}

// Publish writes cp unless its key exists. An existing object with the same
// content counts as success; different content returns ErrAnchorMismatch.
func (a *S3Anchor) Publish(ctx context.Context, cp Checkpoint) (string, error) {
	doc, err := Document(cp)
	if err != nil {
		return "", err
	}
	key := a.Key(cp.Epoch)
	location := "s3://" + a.bucket + "/" + key

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return location, nil
	}
	if !isPreconditionFailed(err) {
		return "", fmt.Errorf("s3 put %s: %w", location, err)
	}

	existing, err := a.get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("s3 get %s: %w", location, err)
	}
	if !bytes.Equal(existing, doc) {
		return "", fmt.Errorf("%w: %s", ErrAnchorMismatch, location)
	}
	return location, nil
}

func (a *S3Anchor) get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}
