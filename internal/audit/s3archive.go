package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver periodically uploads a JSON snapshot of the audit log to an
// S3 bucket — a forward-compat archival hook, not exercised unless
// Config.Audit.S3Bucket is set. It resolves credentials through the
// default AWS config/credentials chain rather than accepting static keys,
// so a deployer wires it up via environment or an attached IAM role.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an archiver for bucket using the default AWS
// credential chain (environment, shared config, EC2/ECS role).
func NewS3Archiver(ctx context.Context, bucket string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: "bridge-audit/",
	}, nil
}

// Write uploads entries as one timestamped JSON object. It satisfies the
// same Sink interface the Postgres sink does, so Log.RunSink can drive
// either without caring which backend is configured.
func (a *S3Archiver) Write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("audit: marshal entries: %w", err)
	}
	key := fmt.Sprintf("%s%s.json", a.prefix, time.Now().UTC().Format("20060102T150405.000000000Z"))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("audit: put object: %w", err)
	}
	return nil
}
