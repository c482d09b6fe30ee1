// Package s3 implements the filler.Handler for resources addressed by
// an S3 bucket/key, the "s3" spec.
package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/opensci/runcat/pkg/filler"
	"github.com/opensci/runcat/pkg/filler/local"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
)

// Spec is the resource spec this handler registers under.
const Spec = "s3"

type handler struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	prefix     string
	decoder    *zstd.Decoder
}

// New constructs a filler.Handler for resource, satisfying
// filler.HandlerFactory. resource.Root is "s3://bucket[/prefix]".
func New(resource model.Resource) (filler.Handler, error) {
	bucket, prefix, err := parseRoot(resource.Root)
	if err != nil {
		return nil, err
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("s3 filler: loading AWS config: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("s3 filler: zstd decoder init: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.Concurrency = 4
	})

	return &handler{client: client, downloader: downloader, bucket: bucket, prefix: prefix, decoder: dec}, nil
}

func parseRoot(root string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(root, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("s3 filler: resource root %q has no bucket", root)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

func (h *handler) key(datumKwargs map[string]any) string {
	rel, _ := datumKwargs["relative_path"].(string)
	if h.prefix == "" {
		return rel
	}
	return strings.TrimSuffix(h.prefix, "/") + "/" + rel
}

func (h *handler) Resolve(ctx context.Context, datumKwargs map[string]any) (*ndarray.Array, error) {
	key := h.key(datumKwargs)

	buf := manager.NewWriteAtBuffer(nil)
	if _, err := h.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("s3 filler: downloading s3://%s/%s: %w", h.bucket, key, err)
	}
	raw := buf.Bytes()

	var err error
	if strings.HasSuffix(key, ".zst") {
		raw, err = h.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("s3 filler: zstd decode: %w", err)
		}
	}
	return local.DecodeNPY(raw)
}

func (h *handler) Close() error {
	h.decoder.Close()
	return nil
}
