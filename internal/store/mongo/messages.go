// Package mongo implements store.MessageStore on a MongoDB collection.
// One document per DAG node; _id is the node ID assigned on insert.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/zm-bad/dagchat/internal/store"
)

const (
	defaultCollection = "message_node"
	defaultTimeout    = 5 * time.Second
)

// Options configures the message store.
type Options struct {
	URI        string
	Database   string
	Collection string        // default "message_node"
	Timeout    time.Duration // per-operation deadline, default 5s
}

// MessageStore is the Mongo-backed store.MessageStore.
type MessageStore struct {
	client  *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

type messageDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID string             `bson:"conversation_id"`
	Role           string             `bson:"role"`
	Content        string             `bson:"content"`
	Reasoning      string             `bson:"reasoning,omitempty"`
	Model          string             `bson:"model,omitempty"`
	ParentIDs      []string           `bson:"parent_ids"`
	Children       []string           `bson:"children"`
	CreatedAt      time.Time          `bson:"created_at"`
}

// New connects to MongoDB and returns a MessageStore with indexes ensured.
func New(ctx context.Context, opts Options) (*MessageStore, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MessageStore{
		client:  client,
		coll:    client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MessageStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

func (s *MessageStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MessageStore) Insert(ctx context.Context, node *store.MessageNode) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := messageDocument{
		ConversationID: node.ConversationID,
		Role:           node.Role,
		Content:        node.Content,
		Reasoning:      node.Reasoning,
		Model:          node.Model,
		ParentIDs:      emptyIfNil(node.ParentIDs),
		Children:       emptyIfNil(node.Children),
		CreatedAt:      node.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (s *MessageStore) AppendChild(ctx context.Context, parentID, childID string) error {
	oid, err := primitive.ObjectIDFromHex(parentID)
	if err != nil {
		return store.ErrNotFound
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// $addToSet gives the idempotent set-union semantics concurrent chat
	// requests rely on.
	res, err := s.coll.UpdateByID(ctx, oid, bson.M{"$addToSet": bson.M{"children": childID}})
	if err != nil {
		return fmt.Errorf("append child: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (*store.MessageNode, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc messageDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return doc.toNode(), nil
}

func (s *MessageStore) GetMany(ctx context.Context, ids []string) (map[string]*store.MessageNode, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
		// Malformed IDs are skipped, same as unknown ones.
	}
	if len(oids) == 0 {
		return map[string]*store.MessageNode{}, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[string]*store.MessageNode, len(oids))
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		node := doc.toNode()
		out[node.ID] = node
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return out, nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string) ([]*store.MessageNode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"conversation_id": conversationID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cur.Close(ctx)

	var out []*store.MessageNode
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, doc.toNode())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *MessageStore) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MessageStore) ReplaceChildren(ctx context.Context, id string, children []string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrNotFound
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.UpdateByID(ctx, oid, bson.M{"$set": bson.M{"children": emptyIfNil(children)}})
	if err != nil {
		return fmt.Errorf("replace children: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *MessageStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (d *messageDocument) toNode() *store.MessageNode {
	return &store.MessageNode{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID,
		Role:           d.Role,
		Content:        d.Content,
		Reasoning:      d.Reasoning,
		Model:          d.Model,
		ParentIDs:      emptyIfNil(d.ParentIDs),
		Children:       emptyIfNil(d.Children),
		CreatedAt:      d.CreatedAt,
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
