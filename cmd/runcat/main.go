// Command runcat is the catalog's operator CLI: search runs, dump a
// stream's materialized views, and replay a run's raw document
// sequence, all against the same Catalog the rest of the system builds
// (modeled on the teacher's cmd/nebula entry point: a cobra root with
// flag-driven subcommands and a shared config/logging bootstrap).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opensci/runcat/pkg/catalog"
	"github.com/opensci/runcat/pkg/config"
	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/filler"
	"github.com/opensci/runcat/pkg/filler/gcs"
	"github.com/opensci/runcat/pkg/filler/local"
	"github.com/opensci/runcat/pkg/filler/s3"
	runcatjson "github.com/opensci/runcat/pkg/json"
	"github.com/opensci/runcat/pkg/logger"
	"github.com/opensci/runcat/pkg/materializer"
	"github.com/opensci/runcat/pkg/ndarray"
	"github.com/opensci/runcat/pkg/replay"
	"github.com/opensci/runcat/pkg/tracing"
)

var version = "0.1.0"

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "runcat",
		Short: "runcat - read-oriented catalog for scientific run records",
		Long: `runcat materializes and replays scientific experiment runs stored in a
document database: search runs, dump a stream's columns, or replay a
run's raw document sequence.`,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (env RUNCAT_* overrides apply regardless)")

	root.AddCommand(versionCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(streamCmd())
	root.AddCommand(replayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runcat v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// bootstrap loads config, wires logging/tracing/metrics, dials the
// store, and returns a ready Catalog plus a teardown function the
// caller must defer.
func bootstrap(ctx context.Context) (*catalog.Catalog, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: "json",
		Rotation: rotationFromConfig(cfg),
	}); err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	teardown := func() { _ = logger.Sync() }

	if cfg.Observability.TracingEnabled {
		if err := tracing.Init(tracing.DefaultConfig()); err != nil {
			return nil, nil, fmt.Errorf("initializing tracing: %w", err)
		}
		prev := teardown
		teardown = func() {
			_ = tracing.Shutdown(context.Background())
			prev()
		}
	}

	if cfg.Observability.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server exited", zap.Error(err))
			}
		}()
		prev := teardown
		teardown = func() {
			_ = srv.Close()
			prev()
		}
	}

	store, err := docstore.Dial(ctx, cfg.StoreURI, cfg.Database, cfg.AssetStoreURI)
	if err != nil {
		return nil, teardown, fmt.Errorf("dialing store: %w", err)
	}

	registry, err := handlerRegistryFromConfig(cfg)
	if err != nil {
		return nil, teardown, err
	}

	policy, err := accessPolicyFromConfig(cfg)
	if err != nil {
		return nil, teardown, err
	}

	cacheCfg := catalog.DefaultRunCacheConfig()
	if cfg.Cache.Size > 0 {
		cacheCfg.LiveMaxItems = cfg.Cache.Size
		cacheCfg.CompleteMaxItems = cfg.Cache.Size
	}
	if cfg.Cache.TTLPartial > 0 {
		cacheCfg.LiveTTL = cfg.Cache.TTLPartial
	}
	if cfg.Cache.TTLComplete > 0 {
		cacheCfg.CompleteTTL = cfg.Cache.TTLComplete
	}

	opts := catalog.RunOptions{
		Registry:                   registry,
		RootMap:                    cfg.RootMap,
		ChunkByteLimit:             cfg.Chunking.ByteLimit,
		AreaDetectorFramesPerChunk: int64(cfg.Chunking.AreaDetectorFramesPerChunk),
	}

	cat := catalog.New(store, cacheCfg, catalog.DefaultTranslatorRegistry(), policy, opts)
	cat, err = cat.AuthenticatedAs(catalog.ADMIN)
	if err != nil {
		return nil, teardown, fmt.Errorf("authenticating operator identity: %w", err)
	}
	return cat, teardown, nil
}

func rotationFromConfig(cfg *config.Config) logger.Rotation {
	if cfg.Observability.LogFile == "" {
		return logger.Rotation{}
	}
	return logger.Rotation{Filename: cfg.Observability.LogFile, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
}

// handlerRegistryFromConfig registers a filler.Handler constructor for
// every backend named in the config's handler registry. The registry
// key is the operator's label for the entry; the handler is registered
// under the spec its backend package declares, since that is what a
// resource's Spec field names.
func handlerRegistryFromConfig(cfg *config.Config) (*filler.Registry, error) {
	registry := filler.NewRegistry()
	for name, h := range cfg.HandlerRegistry {
		var spec string
		var factory filler.HandlerFactory
		switch h.Backend {
		case "local":
			spec, factory = local.Spec, local.New
		case "s3":
			spec, factory = s3.Spec, s3.New
		case "gcs":
			spec, factory = gcs.Spec, gcs.New
		default:
			return nil, fmt.Errorf("handler_registry[%s]: unknown backend %q", name, h.Backend)
		}
		if err := registry.Register(spec, factory, false); err != nil {
			return nil, fmt.Errorf("handler_registry[%s]: %w", name, err)
		}
	}
	return registry, nil
}

// accessPolicyFromConfig resolves the configured access policy name. No
// concrete AccessPolicy implementation ships in this package (the
// interface is the extension point an embedding service supplies); an
// unset name disables access control, matching config.go's documented
// default.
func accessPolicyFromConfig(cfg *config.Config) (catalog.AccessPolicy, error) {
	if cfg.AccessPolicy.Name == "" {
		return nil, nil
	}
	return nil, fmt.Errorf("access_policy %q: no policy implementation registered", cfg.AccessPolicy.Name)
}

func searchCmd() *cobra.Command {
	var text, uidPrefix, since, until, rawMongo string
	var scanID int64
	var skip, limit int64
	var sortFlag string

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search runs matching one or more query terms",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cat, teardown, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer teardown()

			var queries []catalog.Query
			if text != "" {
				queries = append(queries, catalog.Query{Type: "full_text", Params: map[string]any{"text": text}})
			}
			if uidPrefix != "" {
				queries = append(queries, catalog.Query{Type: "partial_uid", Params: map[string]any{"uid": uidPrefix}})
			}
			if cmd.Flags().Changed("scan-id") {
				queries = append(queries, catalog.Query{Type: "scan_id", Params: map[string]any{"scan_id": scanID}})
			}
			if since != "" || until != "" {
				params := map[string]any{}
				if since != "" {
					t, err := time.Parse(time.RFC3339, since)
					if err != nil {
						return fmt.Errorf("--since: %w", err)
					}
					params["since"] = float64(t.Unix())
				}
				if until != "" {
					t, err := time.Parse(time.RFC3339, until)
					if err != nil {
						return fmt.Errorf("--until: %w", err)
					}
					params["until"] = float64(t.Unix())
				}
				queries = append(queries, catalog.Query{Type: "time_range", Params: params})
			}
			if rawMongo != "" {
				var q map[string]any
				if err := runcatjson.Unmarshal([]byte(rawMongo), &q); err != nil {
					return fmt.Errorf("--mongo: %w", err)
				}
				queries = append(queries, catalog.Query{Type: "raw_mongo", Params: map[string]any{"query": q}})
			}

			sortKeys, err := parseSortKeys(sortFlag)
			if err != nil {
				return err
			}

			uids, err := cat.Search(ctx, queries, sortKeys, skip, limit)
			if err != nil {
				return err
			}
			for _, uid := range uids {
				fmt.Println(uid)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "full-text search term")
	cmd.Flags().StringVar(&uidPrefix, "uid-prefix", "", "match runs whose uid starts with this prefix")
	cmd.Flags().Int64Var(&scanID, "scan-id", 0, "match runs with this scan_id")
	cmd.Flags().StringVar(&since, "since", "", "match runs starting at or after this RFC3339 time")
	cmd.Flags().StringVar(&until, "until", "", "match runs starting before this RFC3339 time")
	cmd.Flags().StringVar(&rawMongo, "mongo", "", "raw mongo-style filter document, as JSON")
	cmd.Flags().Int64Var(&skip, "skip", 0, "number of matches to skip")
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum number of matches to return (0 means unbounded)")
	cmd.Flags().StringVar(&sortFlag, "sort", "time:desc", "comma-separated field:asc|desc sort keys")
	return cmd
}

func parseSortKeys(spec string) ([]docstore.SortKey, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var keys []docstore.SortKey
	for _, part := range strings.Split(spec, ",") {
		fieldDir := strings.SplitN(part, ":", 2)
		field := strings.TrimSpace(fieldDir[0])
		asc := true
		if len(fieldDir) == 2 {
			switch strings.ToLower(strings.TrimSpace(fieldDir[1])) {
			case "asc":
				asc = true
			case "desc":
				asc = false
			default:
				return nil, fmt.Errorf("sort key %q: direction must be asc or desc", part)
			}
		}
		keys = append(keys, docstore.SortKey{Field: field, Asc: asc})
	}
	return keys, nil
}

func streamCmd() *cobra.Command {
	var runUID, streamName, view, column string

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Dump a stream's materialized view as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cat, teardown, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer teardown()

			run, err := cat.GetRun(ctx, runUID)
			if err != nil {
				return err
			}
			stream, err := run.Stream(ctx, streamName)
			if err != nil {
				return err
			}

			enc := runcatjson.NewStreamingEncoder(os.Stdout, false)
			defer enc.Close()

			switch view {
			case "config":
				return enc.Encode(stream.Config())
			case "config-timestamps":
				return enc.Encode(stream.ConfigTimestamps())
			case "data":
				return dumpMaterializer(ctx, stream.Data(), column, enc)
			case "timestamps":
				return dumpMaterializer(ctx, stream.Timestamps(), column, enc)
			default:
				return fmt.Errorf("--view must be one of data, timestamps, config, config-timestamps; got %q", view)
			}
		},
	}

	cmd.Flags().StringVar(&runUID, "run", "", "run uid (required)")
	cmd.Flags().StringVar(&streamName, "stream", "", "stream name (required)")
	cmd.Flags().StringVar(&view, "view", "data", "one of data, timestamps, config, config-timestamps")
	cmd.Flags().StringVar(&column, "column", "", "dump a single column instead of the whole view (data/timestamps only)")
	cmd.MarkFlagRequired("run")
	cmd.MarkFlagRequired("stream")
	return cmd
}

// dumpMaterializer encodes either one column (if column is set) or
// every column m's schema declares, each flattened to a JSON-friendly
// dtype/shape/dims/values map.
func dumpMaterializer(ctx context.Context, m *materializer.Materializer, column string, enc *runcatjson.StreamingEncoder) error {
	schema, err := m.Schema(ctx)
	if err != nil {
		return err
	}

	columns := []string{column}
	if column == "" {
		columns = make([]string, 0, len(schema.Columns))
		for name := range schema.Columns {
			columns = append(columns, name)
		}
	}

	out := make(map[string]any, len(columns))
	for _, name := range columns {
		arr, err := m.ReadWhole(ctx, name)
		if err != nil {
			return err
		}
		out[name] = arrayToJSON(arr)
	}
	return enc.Encode(out)
}

// arrayToJSON flattens an ndarray.Array into a JSON-representable
// dtype/shape/dims/values map, values row-major.
func arrayToJSON(a *ndarray.Array) map[string]any {
	n := a.Len()
	values := make([]any, n)
	for i := int64(0); i < n; i++ {
		switch a.Dtype {
		case ndarray.Float64:
			values[i] = a.Float64At(i)
		case ndarray.Int64:
			values[i] = a.Int64At(i)
		case ndarray.Bool:
			values[i] = a.BoolAt(i)
		case ndarray.String:
			values[i] = a.StringAt(i)
		}
	}
	return map[string]any{
		"dtype":  a.Dtype,
		"shape":  a.Shape,
		"dims":   a.Dims,
		"values": values,
	}
}

func replayCmd() *cobra.Command {
	var runUID string
	var fill bool
	var batchSize int

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a run's document sequence as line-delimited JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cat, teardown, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer teardown()

			run, err := cat.GetRun(ctx, runUID)
			if err != nil {
				return err
			}

			var stream *replay.DocumentStream
			if batchSize > 0 {
				stream = replay.Documents(ctx, run, fill, batchSize)
			} else {
				stream = replay.SingleDocuments(ctx, run, fill)
			}

			enc := runcatjson.NewStreamingEncoder(os.Stdout, false)
			defer enc.Close()

			for doc := range stream.Documents {
				if err := enc.Encode(replayEnvelope{Name: doc.Name, Doc: doc.Doc}); err != nil {
					return err
				}
			}
			if err, ok := <-stream.Errors; ok && err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runUID, "run", "", "run uid (required)")
	cmd.Flags().BoolVar(&fill, "fill", false, "resolve externally-stored values inline (not implemented; reserved)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "batch consecutive events/datums into pages of this size (0 means one document per line)")
	cmd.MarkFlagRequired("run")
	return cmd
}

type replayEnvelope struct {
	Name string `json:"name"`
	Doc  any    `json:"doc"`
}
