package snapshot

import (
	"bytes"
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
)

// Publisher stores a snapshot manifest and returns where it went.
type Publisher interface {
	Publish(ctx context.Context, snapshotID string, manifest []byte) (string, error)
}

// PutObjectAPI is the subset of the S3 client used by S3Publisher.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures NewS3Publisher.
type S3Options struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string // for S3-compatible stores such as MinIO
	ForcePathStyle bool
}

// S3Publisher uploads manifests as <prefix>/<snapshot_id>.tsv.
type S3Publisher struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Publisher loads the default AWS credential chain and builds a
// publisher for opts.Bucket.
func NewS3Publisher(ctx context.Context, opts S3Options) (*S3Publisher, error) {
	if opts.Bucket == "" {
		return nil, eris.New("snapshot: s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: load aws config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return NewS3PublisherWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3PublisherWithClient builds a publisher over an existing client.
func NewS3PublisherWithClient(client PutObjectAPI, bucket, prefix string) *S3Publisher {
	return &S3Publisher{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of a snapshot's manifest.
func (p *S3Publisher) Key(snapshotID string) string {
	return path.Join(p.prefix, snapshotID+".tsv")
}

func (p *S3Publisher) Publish(ctx context.Context, snapshotID string, manifest []byte) (string, error) {
	key := p.Key(snapshotID)
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(manifest),
		ContentLength: aws.Int64(int64(len(manifest))),
		ContentType:   aws.String("text/tab-separated-values"),
	})
	if err != nil {
		return "", eris.Wrapf(err, "snapshot: put s3://%s/%s", p.bucket, key)
	}
	return "s3://" + p.bucket + "/" + key, nil
}
