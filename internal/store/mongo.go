package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRevConflict is returned when a replace races another writer.
	ErrRevConflict = errors.New("revision conflict")
)

const (
	collMindMaps    = "base.mindmaps"
	collAttachments = "base.attachments"
)

func Open(ctx context.Context, mongoURL string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(mongoURL).
		SetMaxPoolSize(20).
		SetMaxConnIdleTime(5 * time.Minute)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// MongoStore is the MongoDB-backed document store accessor.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return &MongoStore{db: client.Database(dbName)}
}

// EnsureIndexes creates the (domainId, docId) key index. Safe to call on
// every startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collMindMaps).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "domainId", Value: 1}, {Key: "docId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create mindmap index: %w", err)
	}
	_, err = s.db.Collection(collAttachments).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "domainId", Value: 1},
			{Key: "docId", Value: 1},
			{Key: "cardId", Value: 1},
			{Key: "filename", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create attachment index: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

func docKey(domainID, docID string) bson.M {
	return bson.M{"domainId": domainID, "docId": docID}
}

func (s *MongoStore) ListMindMaps(ctx context.Context, domainID string) ([]MindMap, error) {
	cursor, err := s.db.Collection(collMindMaps).Find(ctx, bson.M{"domainId": domainID},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list mindmaps: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]MindMap, 0)
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode mindmaps: %w", err)
	}
	return items, nil
}

func (s *MongoStore) GetMindMap(ctx context.Context, domainID, docID string) (MindMap, error) {
	var doc MindMap
	err := s.db.Collection(collMindMaps).FindOne(ctx, docKey(domainID, docID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return MindMap{}, ErrNotFound
	}
	if err != nil {
		return MindMap{}, fmt.Errorf("get mindmap %s/%s: %w", domainID, docID, err)
	}
	return doc, nil
}

func (s *MongoStore) InsertMindMap(ctx context.Context, doc MindMap) error {
	doc.Rev = 1
	doc.CreatedAt = time.Now().UTC()
	doc.UpdatedAt = doc.CreatedAt
	if _, err := s.db.Collection(collMindMaps).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("mindmap %s/%s already exists", doc.DomainID, doc.DocID)
		}
		return fmt.Errorf("insert mindmap: %w", err)
	}
	return nil
}

// ReplaceMindMap persists the document, guarding against concurrent writers
// with the Rev counter: the stored revision must still equal doc.Rev, and the
// write bumps it by one.
func (s *MongoStore) ReplaceMindMap(ctx context.Context, doc MindMap) (MindMap, error) {
	filter := docKey(doc.DomainID, doc.DocID)
	filter["rev"] = doc.Rev

	doc.Rev++
	doc.UpdatedAt = time.Now().UTC()

	result, err := s.db.Collection(collMindMaps).ReplaceOne(ctx, filter, doc)
	if err != nil {
		return MindMap{}, fmt.Errorf("replace mindmap %s/%s: %w", doc.DomainID, doc.DocID, err)
	}
	if result.MatchedCount == 0 {
		// Either the document vanished or another writer bumped the rev.
		if _, getErr := s.GetMindMap(ctx, doc.DomainID, doc.DocID); errors.Is(getErr, ErrNotFound) {
			return MindMap{}, ErrNotFound
		}
		return MindMap{}, ErrRevConflict
	}
	return doc, nil
}

func (s *MongoStore) DeleteMindMap(ctx context.Context, domainID, docID string) error {
	result, err := s.db.Collection(collMindMaps).DeleteOne(ctx, docKey(domainID, docID))
	if err != nil {
		return fmt.Errorf("delete mindmap %s/%s: %w", domainID, docID, err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) UpdateSyncState(ctx context.Context, domainID, docID string, sync SyncState) error {
	result, err := s.db.Collection(collMindMaps).UpdateOne(ctx, docKey(domainID, docID),
		bson.M{"$set": bson.M{"sync": sync, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("update sync state %s/%s: %w", domainID, docID, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) SaveRemote(ctx context.Context, domainID, docID string, remote RemoteConfig) error {
	result, err := s.db.Collection(collMindMaps).UpdateOne(ctx, docKey(domainID, docID),
		bson.M{"$set": bson.M{"remote": remote, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("save remote %s/%s: %w", domainID, docID, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) InsertAttachment(ctx context.Context, att Attachment) error {
	att.CreatedAt = time.Now().UTC()
	filter := bson.M{
		"domainId": att.DomainID,
		"docId":    att.DocID,
		"cardId":   att.CardID,
		"filename": att.Filename,
	}
	_, err := s.db.Collection(collAttachments).ReplaceOne(ctx, filter, att,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *MongoStore) ListAttachments(ctx context.Context, domainID, docID, cardID string) ([]Attachment, error) {
	cursor, err := s.db.Collection(collAttachments).Find(ctx, bson.M{
		"domainId": domainID,
		"docId":    docID,
		"cardId":   cardID,
	}, options.Find().SetSort(bson.D{{Key: "filename", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]Attachment, 0)
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return items, nil
}

// CardHit is a card matched by ScanCards together with its owning document.
type CardHit struct {
	DocID string
	Card  Card
}

// ScanCards is the search fallback used when Meilisearch is not configured:
// a case-insensitive substring match over card titles and content within one
// domain.
func (s *MongoStore) ScanCards(ctx context.Context, domainID, query string, limit int) ([]CardHit, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := bson.M{"$regex": regexQuote(query), "$options": "i"}
	cursor, err := s.db.Collection(collMindMaps).Find(ctx, bson.M{
		"domainId": domainID,
		"cards": bson.M{"$elemMatch": bson.M{"$or": []bson.M{
			{"title": pattern},
			{"content": pattern},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("scan cards: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []MindMap
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode card scan: %w", err)
	}

	matches := make([]CardHit, 0)
	for _, doc := range docs {
		for _, card := range doc.Cards {
			if containsFold(card.Title, query) || containsFold(card.Content, query) {
				matches = append(matches, CardHit{DocID: doc.DocID, Card: card})
				if len(matches) >= limit {
					return matches, nil
				}
			}
		}
	}
	return matches, nil
}
