// Package archive implements durability.Archiver over an S3-compatible
// bucket, grounded on SPEC_FULL.md §4.15: the one cloud backend kept from
// the teacher's multi-provider backend zoo.
package archive

import (
	"bytes"
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"
	"github.com/pkg/errors"

	"github.com/cloudfabric/fabricsim/internal/control/metadata"
)

// Uploader is the narrow surface archive needs from an S3 client,
// satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver mirrors a cold-tier segment's placeholder payload into a
// single S3-compatible bucket, keyed by manifest and segment id.
type S3Archiver struct {
	uploader Uploader
	bucket   string
}

// New builds an S3Archiver. Pass manager.NewUploader(s3.NewFromConfig(cfg))
// (or NewDefaultUploader's result) as uploader in production wiring; tests
// substitute a fake Uploader.
func New(uploader Uploader, bucket string) *S3Archiver {
	return &S3Archiver{uploader: uploader, bucket: bucket}
}

// logAdapter satisfies smithy-go's logging.Logger by forwarding SDK
// request/retry diagnostics to logf, so they land in the same log stream
// as the rest of the control plane instead of going to the SDK's default
// destination.
type logAdapter struct {
	logf func(format string, v ...any)
}

func (a logAdapter) Logf(classification logging.Classification, format string, v ...any) {
	a.logf(string(classification)+": "+format, v...)
}

// NewDefaultUploader loads the process's ambient AWS credentials and
// region (environment, shared config file, or instance role) and returns
// an Uploader backed by a real S3 client. logf may be nil to use the SDK's
// default (silent) logger.
func NewDefaultUploader(ctx context.Context, logf func(format string, v ...any)) (Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if logf != nil {
		opts = append(opts, awsconfig.WithLogger(logAdapter{logf: logf}))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "archive: loading AWS config")
	}
	return manager.NewUploader(s3.NewFromConfig(cfg)), nil
}

// Archive uploads a zero-filled placeholder of segment.Length bytes under
// a deterministic key, standing in for the real cold-tier payload — the
// simulator never materializes live file bytes (spec.md §4.9 Non-goals).
func (a *S3Archiver) Archive(m *metadata.FileManifest, segment metadata.ManifestSegment) error {
	key := fmt.Sprintf("%s/%s", m.ManifestID, segment.FileID)
	body := bytes.NewReader(make([]byte, segment.Length))
	_, err := a.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   body,
	})
	if err != nil {
		return errors.Wrapf(err, "archive: uploading %s/%s", a.bucket, key)
	}
	return nil
}
