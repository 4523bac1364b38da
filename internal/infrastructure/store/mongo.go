package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// maxCASAttempts bounds optimistic-concurrency retries on contended records.
const maxCASAttempts = 16

// MongoStore persists records in a MongoDB collection and streams changes
// through change streams, so it needs a replica set (a single-node one is
// enough).
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	clock      clockwork.Clock
	streams    sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// MongoSettings names the database and collection to use.
type MongoSettings struct {
	URI        string
	Database   string
	Collection string
}

// NewMongoStore connects, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, settings MongoSettings, opts ...Option) (*MongoStore, error) {
	if settings.URI == "" {
		return nil, fmt.Errorf("%w: empty mongo uri", domain.ErrInvalidInput)
	}
	if settings.Database == "" {
		settings.Database = "sidekick"
	}
	if settings.Collection == "" {
		settings.Collection = "commands"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(settings.URI).
		SetMaxPoolSize(50).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	collection := client.Database(settings.Database).Collection(settings.Collection)
	_, err = collection.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create mongo indexes: %w", err)
	}

	o := buildOptions(opts)
	storeCtx, storeCancel := context.WithCancel(context.Background())
	return &MongoStore{
		client:     client,
		collection: collection,
		clock:      o.clock,
		ctx:        storeCtx,
		cancel:     storeCancel,
	}, nil
}

// Create implements ports.CommandStore.
func (s *MongoStore) Create(ctx context.Context, record domain.CommandRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: empty command id", domain.ErrInvalidInput)
	}
	if record.Revision == 0 {
		record.Revision = 1
	}
	record = mongoPrecision(record)
	if _, err := s.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateID, record.ID)
		}
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// Get implements ports.CommandStore.
func (s *MongoStore) Get(ctx context.Context, id string) (domain.CommandRecord, error) {
	var rec domain.CommandRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.CommandRecord{}, domain.NotFound(id)
	}
	if err != nil {
		return domain.CommandRecord{}, fmt.Errorf("find command %s: %w", id, err)
	}
	return normalise(rec), nil
}

// Update implements ports.CommandStore with a compare-and-swap on revision.
func (s *MongoStore) Update(ctx context.Context, id string, mutate ports.Mutator) (domain.CommandRecord, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return domain.CommandRecord{}, err
		}
		next, err := applyMutation(current, mutate, s.clock.Now())
		if err != nil {
			return domain.CommandRecord{}, err
		}
		next = mongoPrecision(next)
		res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": id, "revision": current.Revision}, next)
		if err != nil {
			return domain.CommandRecord{}, fmt.Errorf("replace command %s: %w", id, err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return domain.CommandRecord{}, fmt.Errorf("update command %s: too much contention after %d attempts", id, maxCASAttempts)
}

type changeEvent struct {
	OperationType string                `bson:"operationType"`
	FullDocument  *domain.CommandRecord `bson:"fullDocument"`
}

// Subscribe implements ports.CommandStore. The change stream is opened
// before the snapshot read.
func (s *MongoStore) Subscribe(ctx context.Context, id string, cb ports.RecordCallback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", domain.ErrInvalidInput)
	}
	streamCtx, cancel := context.WithCancel(s.ctx)
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}}}
	stream, err := s.collection.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch command %s: %w", id, err)
	}

	w := newWatcher(cb)
	w.mu.Lock()
	snapshot, err := s.Get(ctx, id)
	switch {
	case err == nil:
		w.deliverLocked(snapshot)
	case errors.Is(err, domain.ErrNotFound):
	default:
		w.mu.Unlock()
		cancel()
		_ = stream.Close(context.Background())
		return nil, err
	}
	w.mu.Unlock()

	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		defer stream.Close(context.Background())
		for stream.Next(streamCtx) {
			var event changeEvent
			if err := stream.Decode(&event); err != nil || event.FullDocument == nil {
				continue
			}
			w.deliver(normalise(*event.FullDocument))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.close()
			cancel()
		})
	}, nil
}

// List implements ports.CommandStore.
func (s *MongoStore) List(ctx context.Context, query domain.CommandQuery) ([]domain.CommandRecord, error) {
	filter := bson.M{}
	if query.Status != "" {
		filter["status"] = query.Status
	}
	findOptions := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if query.Limit > 0 {
		findOptions.SetLimit(int64(query.Limit))
	}
	cursor, err := s.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer cursor.Close(ctx)

	var records []domain.CommandRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	for i := range records {
		records[i] = normalise(records[i])
	}
	return records, nil
}

// PruneTerminal implements ports.CommandStore.
func (s *MongoStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"status":    bson.M{"$in": []domain.CommandStatus{domain.StatusCompleted, domain.StatusFailed}},
		"updatedAt": bson.M{"$lt": olderThan.UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Close stops every change stream and disconnects.
func (s *MongoStore) Close() error {
	s.cancel()
	s.streams.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// mongoPrecision truncates timestamps to what BSON dates can hold.
func mongoPrecision(rec domain.CommandRecord) domain.CommandRecord {
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Millisecond)
	return rec
}

func normalise(rec domain.CommandRecord) domain.CommandRecord {
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.Intent.Parameters == nil {
		rec.Intent.Parameters = map[string]any{}
	}
	return rec
}

var _ ports.CommandStore = (*MongoStore)(nil)
