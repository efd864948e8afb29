package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultSessionCollection = "sessions"
	metaCollection           = "collection_meta"

	// Firestore caps the number of neighbors of a single vector query.
	maxNearestLimit = 1000
	// Inequality filters are applied after the vector query, so it asks
	// for this many times more neighbors than requested.
	nearestOverfetch = 4
)

// Firestore implements VectorStore and SummaryStore on Cloud Firestore.
// Records are stored as documents with a "vector" field and a "metadata" map.
// Nearest requires a vector index on the "vector" field of each collection.
type Firestore struct {
	client            *firestore.Client
	sessionCollection string
}

type FirestoreOption func(*Firestore)

func WithSessionCollection(name string) FirestoreOption {
	return func(f *Firestore) {
		f.sessionCollection = name
	}
}

type recordDoc struct {
	Vector   firestore.Vector32 `firestore:"vector"`
	Metadata map[string]any     `firestore:"metadata"`
	Distance float64            `firestore:"distance,omitempty"`
}

type metaDoc struct {
	Dimension int       `firestore:"dimension"`
	CreatedAt time.Time `firestore:"created_at"`
}

func New(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	f := &Firestore{
		client:            client,
		sessionCollection: defaultSessionCollection,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	ref := f.client.Collection(metaCollection).Doc(name)

	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return goerr.Wrap(err, "failed to get collection metadata", goerr.V("collection", name))
			}
			return tx.Set(ref, &metaDoc{Dimension: dimension, CreatedAt: time.Now().UTC()})
		}

		var meta metaDoc
		if err := snap.DataTo(&meta); err != nil {
			return goerr.Wrap(err, "failed to decode collection metadata", goerr.V("collection", name))
		}
		if meta.Dimension != dimension {
			return goerr.New("collection dimension mismatch",
				goerr.V("collection", name),
				goerr.V("expected", meta.Dimension),
				goerr.V("actual", dimension))
		}
		return nil
	})
}

func (f *Firestore) Upsert(ctx context.Context, collection string, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	coll := f.client.Collection(collection)
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(records))
	for _, r := range records {
		job, err := bw.Set(coll.Doc(r.ID), &recordDoc{
			Vector:   firestore.Vector32(r.Vector),
			Metadata: r.Metadata,
		})
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue record", goerr.V("collection", collection), goerr.V("id", r.ID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write record", goerr.V("collection", collection), goerr.V("id", records[i].ID))
		}
	}
	return nil
}

func (f *Firestore) GetByIDs(ctx context.Context, collection string, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	coll := f.client.Collection(collection)
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = coll.Doc(id)
	}

	snaps, err := f.client.GetAll(ctx, refs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get records", goerr.V("collection", collection))
	}

	var results []*Record
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		r, err := decodeRecord(snap)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (f *Firestore) Find(ctx context.Context, collection string, input *FindInput) ([]*Record, error) {
	q := applyFilters(f.client.Collection(collection).Query, input.Filters)
	if input.OrderBy != "" {
		dir := firestore.Asc
		if input.Descending {
			dir = firestore.Desc
		}
		q = q.OrderBy(metadataPath(input.OrderBy), dir)
	}
	if input.Limit > 0 {
		q = q.Limit(input.Limit)
	}

	return collectRecords(q.Documents(ctx), collection, nil, 0)
}

func (f *Firestore) Nearest(ctx context.Context, collection string, input *NearestInput) ([]*Record, error) {
	var eqFilters, postFilters []Filter
	for _, flt := range input.Filters {
		if flt.Op == OpEq {
			eqFilters = append(eqFilters, flt)
		} else {
			postFilters = append(postFilters, flt)
		}
	}

	limit := input.Limit
	if len(postFilters) > 0 {
		limit *= nearestOverfetch
	}
	if limit > maxNearestLimit {
		limit = maxNearestLimit
	}

	q := applyFilters(f.client.Collection(collection).Query, eqFilters)
	vq := q.FindNearest("vector", firestore.Vector32(input.Vector), limit, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: "distance"})

	return collectRecords(vq.Documents(ctx), collection, postFilters, input.Limit)
}

func (f *Firestore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	coll := f.client.Collection(collection)
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(ids))
	for _, id := range ids {
		job, err := bw.Delete(coll.Doc(id))
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue delete", goerr.V("collection", collection), goerr.V("id", id))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to delete record", goerr.V("collection", collection), goerr.V("id", ids[i]))
		}
	}
	return nil
}

func (f *Firestore) GetSummary(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	snap, err := f.client.Collection(f.sessionCollection).Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get session summary", goerr.V("session_id", sessionID))
	}

	var summary model.SessionSummary
	if err := snap.DataTo(&summary); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session summary", goerr.V("session_id", sessionID))
	}
	return &summary, nil
}

func (f *Firestore) PutSummary(ctx context.Context, summary *model.SessionSummary) error {
	if _, err := f.client.Collection(f.sessionCollection).Doc(summary.SessionID).Set(ctx, summary); err != nil {
		return goerr.Wrap(err, "failed to put session summary", goerr.V("session_id", summary.SessionID))
	}
	return nil
}

func (f *Firestore) DeleteSummary(ctx context.Context, sessionID string) error {
	if _, err := f.client.Collection(f.sessionCollection).Doc(sessionID).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete session summary", goerr.V("session_id", sessionID))
	}
	return nil
}

func (f *Firestore) ListSummaries(ctx context.Context) ([]*model.SessionSummary, error) {
	q := f.client.Collection(f.sessionCollection).OrderBy("last_activity", firestore.Desc)
	return collectSummaries(q.Documents(ctx))
}

func (f *Firestore) ListIdleSummaries(ctx context.Context, before time.Time) ([]*model.SessionSummary, error) {
	q := f.client.Collection(f.sessionCollection).
		Where("last_activity", "<", before).
		OrderBy("last_activity", firestore.Asc)
	return collectSummaries(q.Documents(ctx))
}

func metadataPath(field string) string {
	return "metadata." + field
}

func applyFilters(q firestore.Query, filters []Filter) firestore.Query {
	for _, flt := range filters {
		q = q.Where(metadataPath(flt.Field), string(flt.Op), flt.Value)
	}
	return q
}

func decodeRecord(snap *firestore.DocumentSnapshot) (*Record, error) {
	var doc recordDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode record", goerr.V("id", snap.Ref.ID))
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return &Record{
		ID:       snap.Ref.ID,
		Vector:   []float32(doc.Vector),
		Metadata: doc.Metadata,
		Distance: doc.Distance,
	}, nil
}

func collectRecords(iter *firestore.DocumentIterator, collection string, postFilters []Filter, limit int) ([]*Record, error) {
	defer iter.Stop()

	var results []*Record
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate records", goerr.V("collection", collection))
		}

		r, err := decodeRecord(snap)
		if err != nil {
			return nil, err
		}
		if !matchAll(r, postFilters) {
			continue
		}
		results = append(results, r)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func collectSummaries(iter *firestore.DocumentIterator) ([]*model.SessionSummary, error) {
	defer iter.Stop()

	var results []*model.SessionSummary
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate session summaries")
		}

		var summary model.SessionSummary
		if err := snap.DataTo(&summary); err != nil {
			return nil, goerr.Wrap(err, "failed to decode session summary", goerr.V("id", snap.Ref.ID))
		}
		results = append(results, &summary)
	}
	return results, nil
}

var (
	_ VectorStore  = (*Firestore)(nil)
	_ SummaryStore = (*Firestore)(nil)
)
