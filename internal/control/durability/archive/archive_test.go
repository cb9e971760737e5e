package archive

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"

	"github.com/cloudfabric/fabricsim/internal/control/metadata"
)

type fakeUploader struct {
	lastKey    string
	lastBucket string
	lastBytes  int
	err        error
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastBucket = *input.Bucket
	f.lastKey = *input.Key
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.lastBytes = len(body)
	return &manager.UploadOutput{}, nil
}

func TestArchiveUploadsPlaceholderUnderManifestKey(t *testing.T) {
	fake := &fakeUploader{}
	a := New(fake, "cold-bucket")

	manifest := &metadata.FileManifest{ManifestID: "m1"}
	segment := metadata.ManifestSegment{FileID: "m1-seg0", Length: 42}

	if err := a.Archive(manifest, segment); err != nil {
		t.Fatal(err)
	}
	if fake.lastBucket != "cold-bucket" {
		t.Fatalf("bucket = %q, want cold-bucket", fake.lastBucket)
	}
	if fake.lastKey != "m1/m1-seg0" {
		t.Fatalf("key = %q, want m1/m1-seg0", fake.lastKey)
	}
	if fake.lastBytes != 42 {
		t.Fatalf("uploaded %d bytes, want 42", fake.lastBytes)
	}
}

func TestLogAdapterForwardsClassifiedMessages(t *testing.T) {
	var got string
	adapter := logAdapter{logf: func(format string, v ...any) {
		got = format
		if len(v) > 0 {
			got += ":" + v[0].(string)
		}
	}}

	adapter.Logf(logging.Warn, "retrying %s", "put-object")

	if got != "WARN: retrying %s:put-object" {
		t.Fatalf("got %q", got)
	}
}
