package payload

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type storedPayload struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Payload   []byte             `bson:"payload"`
	CreatedAt time.Time          `bson:"created_at"`
}

// MongoStore keeps frames in a MongoDB collection. The reference is still
// notified through Postgres, so insert and notify are two round trips.
type MongoStore struct {
	coll     *mongo.Collection
	notifier Notifier
	now      func() time.Time
}

func NewMongoStore(coll *mongo.Collection, notifier Notifier) *MongoStore {
	return &MongoStore{coll: coll, notifier: notifier, now: time.Now}
}

func (s *MongoStore) Tag() string {
	return "oid:"
}

// EnsureIndexes creates the created_at index used by the sweep.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetName("payloads_created_at"),
	})
	return errors.Annotate(err, "creating payload index")
}

func (s *MongoStore) InsertAndNotify(ctx context.Context, channel string, data []byte) error {
	res, err := s.coll.InsertOne(ctx, storedPayload{Payload: data, CreatedAt: s.now()})
	if err != nil {
		return errors.Annotatef(err, "storing payload for %s", channel)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return errors.Errorf("unexpected inserted id %T", res.InsertedID)
	}
	if err := s.notifier.Notify(ctx, channel, s.Tag()+oid.Hex()); err != nil {
		// nobody will ever load it
		if _, derr := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}}); derr != nil {
			return errors.Annotatef(err, "notifying (and removing orphan payload failed: %v)", derr)
		}
		return errors.Trace(err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, ref string) ([]byte, error) {
	oid, err := primitive.ObjectIDFromHex(ref)
	if err != nil {
		return nil, errors.NotValidf("payload reference %q", ref)
	}
	var doc storedPayload
	err = s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFoundf("payload %s", ref)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "loading payload %s", ref)
	}
	return doc.Payload, nil
}

func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: s.now().Add(-age)}}}})
	if err != nil {
		return 0, errors.Annotatef(err, "deleting payloads older than %s", age)
	}
	return res.DeletedCount, nil
}
