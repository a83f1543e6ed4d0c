package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// MongoLogStore keeps the execution log in MongoDB. Log volume grows much
// faster than execution rows, so deployments may move it off the primary
// SQL store by setting Persistence.Logs.
type MongoLogStore struct {
	logs     *mongo.Collection
	counters *mongo.Collection
}

var _ LogStore = (*MongoLogStore)(nil)

// NewMongoLogStore creates a Mongo-backed log store.
// dbName defaults to "fluxgraph" if empty.
func NewMongoLogStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoLogStore, error) {
	if dbName == "" {
		dbName = "fluxgraph"
	}
	db := client.Database(dbName)
	s := &MongoLogStore{
		logs:     db.Collection("execution_logs"),
		counters: db.Collection("counters"),
	}

	_, err := s.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

type mongoLogDoc struct {
	Seq         int64  `bson:"seq"`
	ExecutionID string `bson:"execution_id"`
	At          int64  `bson:"at"`
	Type        string `bson:"type"`
	NodeID      string `bson:"node_id,omitempty"`
	Attempt     int    `bson:"attempt,omitempty"`
	Detail      string `bson:"detail,omitempty"`
}

// nextSeq allocates a monotonically increasing log sequence number.
func (s *MongoLogStore) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "execution_logs"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Value, err
}

func (s *MongoLogStore) AppendLog(ctx context.Context, entry api.LogEntry) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.logs.InsertOne(ctx, mongoLogDoc{
		Seq:         seq,
		ExecutionID: entry.ExecutionID,
		At:          at.UnixNano(),
		Type:        string(entry.Type),
		NodeID:      entry.NodeID,
		Attempt:     entry.Attempt,
		Detail:      entry.Detail,
	})
	return err
}

func (s *MongoLogStore) ListLogs(ctx context.Context, executionID string) ([]api.LogEntry, error) {
	cur, err := s.logs.Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.LogEntry
	for cur.Next(ctx) {
		var doc mongoLogDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.LogEntry{
			ID:          doc.Seq,
			ExecutionID: doc.ExecutionID,
			At:          fromNanos(doc.At),
			Type:        api.EventType(doc.Type),
			NodeID:      doc.NodeID,
			Attempt:     doc.Attempt,
			Detail:      doc.Detail,
		})
	}
	return out, cur.Err()
}
