package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"signalbot/internal/workitem"
)

// WriteJSONL writes one record per line.
func WriteJSONL(w io.Writer, recs []workitem.DeliveryFailure) error {
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// S3Config selects the bucket that receives failure snapshots.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // S3-compatible endpoint (MinIO, R2); empty uses AWS
	PathStyle bool
	Prefix    string
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter uploads JSONL snapshots of failure records for offline reconciliation.
type S3Exporter struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Exporter builds an exporter from the default AWS credential chain.
func NewS3Exporter(ctx context.Context, cfg S3Config) (*S3Exporter, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("export: s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Exporter(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Exporter(client objectPutter, bucket, prefix string) *S3Exporter {
	if prefix == "" {
		prefix = "failures/"
	}
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Export uploads recs as one object and returns its key.
func (e *S3Exporter) Export(ctx context.Context, recs []workitem.DeliveryFailure) (string, error) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, recs); err != nil {
		return "", err
	}
	key := path.Join(e.prefix, "delivery_failures-"+e.now().UTC().Format("20060102T150405Z")+".jsonl")
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}
