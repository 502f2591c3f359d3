// Package archive copies dead-letter records into cold object storage so the
// audit trail survives document-store retention policies. The pipeline never
// deletes the source records; the archiver only reads.
package archive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// ObjectWriterClient opens writers for named objects in cold storage. It is
// the narrow slice of the Cloud Storage API the archiver needs, kept as an
// interface so sweeps can be tested without a real bucket.
type ObjectWriterClient interface {
	NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

type gcsWriterClient struct {
	client *storage.Client
}

// NewGCSWriterClient adapts a concrete *storage.Client to ObjectWriterClient.
func NewGCSWriterClient(client *storage.Client) ObjectWriterClient {
	if client == nil {
		return nil
	}
	return &gcsWriterClient{client: client}
}

func (c *gcsWriterClient) NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}
