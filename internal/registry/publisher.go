package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// Publisher uploads the sealed public registry to a Google Cloud Storage
// bucket after each save, so clients fetch it from a CDN-backed URL
// instead of hitting the issuance host. Publishing is optional: when no
// bucket is configured the server serves the document itself.
type Publisher struct {
	service *storage.Service
	bucket  string
	object  string
	logger  *slog.Logger
}

// NewPublisher builds a GCS publisher. credentialsFile may be empty to use
// ambient application-default credentials.
func NewPublisher(ctx context.Context, bucket, object, credentialsFile string, logger *slog.Logger) (*Publisher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("registry: create storage client: %w", err)
	}

	return &Publisher{
		service: svc,
		bucket:  bucket,
		object:  object,
		logger:  logger.With(slog.String("component", "registry_publisher")),
	}, nil
}

// Publish uploads the sealed public registry. The document is already
// signature-verified by construction; a failed upload leaves the previous
// object in place, which clients will keep verifying successfully.
func (p *Publisher) Publish(ctx context.Context, public *Registry) error {
	data, err := json.MarshalIndent(public, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal public document: %w", err)
	}

	obj := &storage.Object{
		Name:         p.object,
		ContentType:  "application/json",
		CacheControl: "public, max-age=300",
	}

	_, err = p.service.Objects.Insert(p.bucket, obj).
		Media(bytes.NewReader(data)).
		Context(ctx).
		Do()
	if err != nil {
		p.logger.ErrorContext(ctx, "public registry upload failed",
			slog.String("bucket", p.bucket),
			slog.String("object", p.object),
			slog.String("error", err.Error()))
		return &StorageError{Op: "publish", Path: p.bucket + "/" + p.object, Err: err}
	}

	p.logger.InfoContext(ctx, "public registry published",
		slog.String("bucket", p.bucket),
		slog.String("object", p.object),
		slog.Int("total_licenses", public.Metadata.TotalLicenses))
	return nil
}
