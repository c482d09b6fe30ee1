// Package local implements the filler.Handler for resources addressed
// by a path on the local filesystem, the "file" spec: every datum it
// resolves is one array stored in a .npy or .npy.zst file under the
// resource's root, named by datum_kwargs["relative_path"] or, absent
// that, by the resource's own path.
package local

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/opensci/runcat/pkg/filler"
	"github.com/opensci/runcat/pkg/mmap"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
	"github.com/opensci/runcat/pkg/pool"
)

// Spec is the resource spec this handler registers under.
const Spec = "file"

// handler is a filler.Handler bound to one resource's root directory.
type handler struct {
	root         string
	resourcePath string
	decoder      *zstd.Decoder
}

// New constructs a filler.Handler for resource, satisfying
// filler.HandlerFactory.
func New(resource model.Resource) (filler.Handler, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("local filler: zstd decoder init: %w", err)
	}
	return &handler{root: resource.Root, resourcePath: resource.ResourcePath, decoder: dec}, nil
}

// Resolve opens datumKwargs["relative_path"] (or, absent that key, the
// resource's own ResourcePath) under the resource's root and decodes it
// as a .npy or .npy.zst array.
func (h *handler) Resolve(_ context.Context, datumKwargs map[string]any) (*ndarray.Array, error) {
	rel := h.resourcePath
	if v, ok := datumKwargs["relative_path"].(string); ok && v != "" {
		rel = v
	}
	path := filepath.Join(h.root, rel)

	reader, err := mmap.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("local filler: opening %s: %w", path, err)
	}
	defer reader.Close()

	raw := reader.ReadAll()
	if strings.HasSuffix(path, ".zst") {
		dst := pool.GlobalBufferPool.Get(len(raw) * 4)
		defer pool.GlobalBufferPool.Put(dst)
		raw, err = h.decoder.DecodeAll(raw, dst[:0])
		if err != nil {
			return nil, fmt.Errorf("local filler: zstd decode of %s: %w", path, err)
		}
	}

	return DecodeNPY(raw)
}

func (h *handler) Close() error {
	h.decoder.Close()
	return nil
}
