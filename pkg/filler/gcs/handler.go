// Package gcs implements the filler.Handler for resources addressed by
// a Google Cloud Storage bucket/object, the "gcs" spec.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/klauspost/compress/zstd"

	"github.com/opensci/runcat/pkg/filler"
	"github.com/opensci/runcat/pkg/filler/local"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
)

// Spec is the resource spec this handler registers under.
const Spec = "gcs"

type handler struct {
	bucket  *storage.BucketHandle
	prefix  string
	decoder *zstd.Decoder
	client  *storage.Client
}

// New constructs a filler.Handler for resource, satisfying
// filler.HandlerFactory. resource.Root is "gs://bucket[/prefix]".
func New(resource model.Resource) (filler.Handler, error) {
	bucketName, prefix, err := parseRoot(resource.Root)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("gcs filler: client init: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs filler: zstd decoder init: %w", err)
	}

	return &handler{bucket: client.Bucket(bucketName), prefix: prefix, decoder: dec, client: client}, nil
}

func parseRoot(root string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(root, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("gcs filler: resource root %q has no bucket", root)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

func (h *handler) objectName(datumKwargs map[string]any) string {
	rel, _ := datumKwargs["relative_path"].(string)
	if h.prefix == "" {
		return rel
	}
	return strings.TrimSuffix(h.prefix, "/") + "/" + rel
}

func (h *handler) Resolve(ctx context.Context, datumKwargs map[string]any) (*ndarray.Array, error) {
	name := h.objectName(datumKwargs)
	r, err := h.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs filler: opening object %s: %w", name, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs filler: reading object body: %w", err)
	}
	if strings.HasSuffix(name, ".zst") {
		raw, err = h.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("gcs filler: zstd decode: %w", err)
		}
	}
	return local.DecodeNPY(raw)
}

func (h *handler) Close() error {
	h.decoder.Close()
	return h.client.Close()
}
