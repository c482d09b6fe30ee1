package docstore

import (
	"context"
	"fmt"
	"math"

	"github.com/opensci/runcat/pkg/logger"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/rcerrors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// mongoStore is the production Store implementation, backed by one or
// two *mongo.Client handles (metadata store, optional separate asset
// store; spec.md §6).
type mongoStore struct {
	metadata *mongo.Database
	assets   *mongo.Database
	logger   *zap.Logger
}

// Dial connects to storeURI (metadata) and assetURI (assets; empty
// defaults to storeURI), returning a Store backed by both.
func Dial(ctx context.Context, storeURI, database, assetURI string) (Store, error) {
	metaClient, err := mongo.Connect(ctx, options.Client().ApplyURI(storeURI))
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "connecting to metadata store")
	}

	assetClient := metaClient
	if assetURI != "" && assetURI != storeURI {
		assetClient, err = mongo.Connect(ctx, options.Client().ApplyURI(assetURI))
		if err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "connecting to asset store")
		}
	}

	return &mongoStore{
		metadata: metaClient.Database(database),
		assets:   assetClient.Database(database),
		logger:   logger.Get(),
	}, nil
}

func (s *mongoStore) Ping(ctx context.Context) error {
	if err := s.metadata.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return rcerrors.Wrap(err, rcerrors.KindStoreError, "pinging metadata store")
	}
	if err := s.assets.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return rcerrors.Wrap(err, rcerrors.KindStoreError, "pinging asset store")
	}
	return nil
}

type bsonRunStart struct {
	UID      string         `bson:"uid"`
	Time     float64        `bson:"time"`
	ScanID   int64          `bson:"scan_id"`
	Metadata map[string]any `bson:",inline"`
}

func (s *mongoStore) GetRunStart(ctx context.Context, uid string) (model.RunStart, error) {
	var doc bsonRunStart
	err := s.metadata.Collection(string(CollRunStart)).FindOne(ctx, bson.M{"uid": uid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.RunStart{}, rcerrors.New(rcerrors.KindNotFound, "run start not found").WithRun(uid)
	}
	if err != nil {
		return model.RunStart{}, rcerrors.Wrap(err, rcerrors.KindStoreError, "fetching run start").WithRun(uid)
	}
	return model.RunStart{UID: doc.UID, Time: doc.Time, ScanID: doc.ScanID, Metadata: doc.Metadata}, nil
}

type bsonRunStop struct {
	UID        string  `bson:"uid"`
	RunStart   string  `bson:"run_start"`
	Time       float64 `bson:"time"`
	ExitStatus string  `bson:"exit_status"`
}

func (s *mongoStore) GetRunStop(ctx context.Context, runStartUID string) (model.RunStop, bool, error) {
	var doc bsonRunStop
	err := s.metadata.Collection(string(CollRunStop)).FindOne(ctx, bson.M{"run_start": runStartUID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.RunStop{}, false, nil
	}
	if err != nil {
		return model.RunStop{}, false, rcerrors.Wrap(err, rcerrors.KindStoreError, "fetching run stop").WithRun(runStartUID)
	}
	return model.RunStop{
		UID: doc.UID, RunStart: doc.RunStart, Time: doc.Time,
		ExitStatus: model.ExitStatus(doc.ExitStatus),
	}, true, nil
}

func (s *mongoStore) DistinctStreamNames(ctx context.Context, runStartUID string) ([]string, error) {
	raw, err := s.metadata.Collection(string(CollEventDescriptor)).Distinct(ctx, "name", bson.M{"run_start": runStartUID})
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "listing stream names").WithRun(runStartUID)
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if name, ok := v.(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

type bsonDescriptor struct {
	UID           string                            `bson:"uid"`
	RunStart      string                            `bson:"run_start"`
	Name          string                            `bson:"name"`
	Time          float64                           `bson:"time"`
	DataKeys      map[string]bsonDataKey            `bson:"data_keys"`
	ObjectKeys    map[string][]string               `bson:"object_keys"`
	Configuration map[string]bsonObjectConfig       `bson:"configuration"`
}

type bsonDataKey struct {
	Dtype    string  `bson:"dtype"`
	DtypeStr string  `bson:"dtype_str"`
	Shape    []int64 `bson:"shape"`
	Dims     []string `bson:"dims"`
	External bool    `bson:"external"`
	Units    string  `bson:"units"`
}

type bsonObjectConfig struct {
	Data       map[string]any            `bson:"data"`
	Timestamps map[string]float64        `bson:"timestamps"`
	DataKeys   map[string]bsonDataKey    `bson:"data_keys"`
}

func toModelDataKey(d bsonDataKey) model.DataKeyDescriptor {
	return model.DataKeyDescriptor{
		Dtype: d.Dtype, DtypeStr: d.DtypeStr, Shape: d.Shape,
		Dims: d.Dims, External: d.External, Units: d.Units,
	}
}

func toModelDescriptor(d bsonDescriptor) model.EventDescriptor {
	dataKeys := make(map[string]model.DataKeyDescriptor, len(d.DataKeys))
	for k, v := range d.DataKeys {
		dataKeys[k] = toModelDataKey(v)
	}
	configuration := make(map[string]model.ObjectConfiguration, len(d.Configuration))
	for obj, cfg := range d.Configuration {
		dk := make(map[string]model.DataKeyDescriptor, len(cfg.DataKeys))
		for k, v := range cfg.DataKeys {
			dk[k] = toModelDataKey(v)
		}
		configuration[obj] = model.ObjectConfiguration{Data: cfg.Data, Timestamps: cfg.Timestamps, DataKeys: dk}
	}
	return model.EventDescriptor{
		UID: d.UID, RunStart: d.RunStart, Name: d.Name, Time: d.Time,
		DataKeys: dataKeys, ObjectKeys: d.ObjectKeys, Configuration: configuration,
	}
}

func (s *mongoStore) DescriptorsByStream(ctx context.Context, runStartUID, streamName string) ([]model.EventDescriptor, error) {
	cur, err := s.metadata.Collection(string(CollEventDescriptor)).Find(ctx,
		bson.M{"run_start": runStartUID, "name": streamName},
		options.Find().SetSort(bson.D{{Key: "time", Value: 1}}),
	)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "listing descriptors").WithRun(runStartUID).WithStream(streamName)
	}
	defer cur.Close(ctx)

	var out []model.EventDescriptor
	for cur.Next(ctx) {
		var doc bsonDescriptor
		if err := cur.Decode(&doc); err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "decoding descriptor").WithRun(runStartUID).WithStream(streamName)
		}
		out = append(out, toModelDescriptor(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "iterating descriptors").WithRun(runStartUID).WithStream(streamName)
	}
	return out, nil
}

type bsonResource struct {
	UID            string         `bson:"uid"`
	Spec           string         `bson:"spec"`
	ResourcePath   string         `bson:"resource_path"`
	Root           string         `bson:"root"`
	ResourceKwargs map[string]any `bson:"resource_kwargs"`
}

func (s *mongoStore) GetResource(ctx context.Context, uid string) (model.Resource, error) {
	var doc bsonResource
	err := s.assets.Collection(string(CollResource)).FindOne(ctx, bson.M{"uid": uid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		// Legacy records lack uid; surface as if uid = str(primary_key)
		// via the _id fallback (spec.md §3 invariant).
		var legacy struct {
			ID             any            `bson:"_id"`
			Spec           string         `bson:"spec"`
			ResourcePath   string         `bson:"resource_path"`
			Root           string         `bson:"root"`
			ResourceKwargs map[string]any `bson:"resource_kwargs"`
		}
		legacyErr := s.assets.Collection(string(CollResource)).FindOne(ctx, bson.M{"_id": uid}).Decode(&legacy)
		if legacyErr == mongo.ErrNoDocuments {
			return model.Resource{}, rcerrors.New(rcerrors.KindNotFound, "resource not found").WithDetail("resource_uid", uid)
		}
		if legacyErr != nil {
			return model.Resource{}, rcerrors.Wrap(legacyErr, rcerrors.KindStoreError, "fetching legacy resource")
		}
		return model.Resource{
			UID: fmt.Sprintf("%v", legacy.ID), Spec: legacy.Spec,
			ResourcePath: legacy.ResourcePath, Root: legacy.Root, ResourceKwargs: legacy.ResourceKwargs,
		}, nil
	}
	if err != nil {
		return model.Resource{}, rcerrors.Wrap(err, rcerrors.KindStoreError, "fetching resource")
	}
	return model.Resource{
		UID: doc.UID, Spec: doc.Spec, ResourcePath: doc.ResourcePath,
		Root: doc.Root, ResourceKwargs: doc.ResourceKwargs,
	}, nil
}

type bsonDatum struct {
	DatumID     string         `bson:"datum_id"`
	Resource    string         `bson:"resource"`
	DatumKwargs map[string]any `bson:"datum_kwargs"`
}

func toModelDatum(d bsonDatum) model.Datum {
	return model.Datum{DatumID: d.DatumID, Resource: d.Resource, DatumKwargs: d.DatumKwargs}
}

func (s *mongoStore) DatumsForResource(ctx context.Context, resourceUID string) ([]model.Datum, error) {
	cur, err := s.assets.Collection(string(CollDatum)).Find(ctx, bson.M{"resource": resourceUID})
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "listing datums").WithDetail("resource_uid", resourceUID)
	}
	defer cur.Close(ctx)

	var out []model.Datum
	for cur.Next(ctx) {
		var doc bsonDatum
		if err := cur.Decode(&doc); err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "decoding datum")
		}
		out = append(out, toModelDatum(doc))
	}
	return out, cur.Err()
}

func (s *mongoStore) GetDatum(ctx context.Context, datumID string) (model.Datum, error) {
	var doc bsonDatum
	err := s.assets.Collection(string(CollDatum)).FindOne(ctx, bson.M{"datum_id": datumID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.Datum{}, rcerrors.New(rcerrors.KindNotFound, "datum not found").WithDetail("datum_id", datumID)
	}
	if err != nil {
		return model.Datum{}, rcerrors.Wrap(err, rcerrors.KindStoreError, "fetching datum")
	}
	return toModelDatum(doc), nil
}

func (s *mongoStore) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	datum, err := s.GetDatum(ctx, datumID)
	if err != nil {
		return "", err
	}
	return datum.Resource, nil
}

// ExtractColumn implements the match/project/sort/group-last/re-sort/
// group-push aggregation pipeline of spec.md §4.1.
func (s *mongoStore) ExtractColumn(ctx context.Context, descriptorUIDs []string, column string, minSeqNum, maxSeqNum int64) ([]ColumnRow, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "descriptor", Value: bson.D{{Key: "$in", Value: descriptorUIDs}}},
			{Key: "seq_num", Value: bson.D{{Key: "$gte", Value: minSeqNum}, {Key: "$lt", Value: maxSeqNum}}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "seq_num", Value: 1},
			{Key: "time", Value: 1},
			{Key: "value", Value: "$data." + column},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "time", Value: 1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$seq_num"},
			{Key: "time", Value: bson.D{{Key: "$last", Value: "$time"}}},
			{Key: "value", Value: bson.D{{Key: "$last", Value: "$value"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cur, err := s.metadata.Collection(string(CollEvent)).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "extracting column").WithColumn(column)
	}
	defer cur.Close(ctx)

	var out []ColumnRow
	for cur.Next(ctx) {
		var row struct {
			SeqNum int64   `bson:"_id"`
			Time   float64 `bson:"time"`
			Value  any     `bson:"value"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "decoding column row").WithColumn(column)
		}
		out = append(out, ColumnRow{SeqNum: row.SeqNum, Time: row.Time, Value: row.Value})
	}
	return out, cur.Err()
}

func (s *mongoStore) MaxSeqNum(ctx context.Context, descriptorUIDs []string) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "descriptor", Value: bson.D{{Key: "$in", Value: descriptorUIDs}}}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: nil}, {Key: "max", Value: bson.D{{Key: "$max", Value: "$seq_num"}}}}}},
	}
	cur, err := s.metadata.Collection(string(CollEvent)).Aggregate(ctx, pipeline)
	if err != nil {
		return -1, rcerrors.Wrap(err, rcerrors.KindStoreError, "computing max seq_num")
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return -1, cur.Err()
	}
	var row struct {
		Max int64 `bson:"max"`
	}
	if err := cur.Decode(&row); err != nil {
		return -1, rcerrors.Wrap(err, rcerrors.KindStoreError, "decoding max seq_num")
	}
	return row.Max, nil
}

// AggregationPageSize computes ceil(target_bytes / estimated_row_bytes),
// the page-sizing rule of spec.md §4.1.
func AggregationPageSize(estimatedRowBytes int64) int64 {
	if estimatedRowBytes <= 0 {
		estimatedRowBytes = 1
	}
	return int64(math.Ceil(float64(AggregationPageTargetBytes) / float64(estimatedRowBytes)))
}

func collectionHandle(db *mongo.Database, coll Collection) *mongo.Collection {
	return db.Collection(string(coll))
}

func (s *mongoStore) databaseFor(coll Collection) *mongo.Database {
	switch coll {
	case CollResource, CollDatum:
		return s.assets
	default:
		return s.metadata
	}
}
