package report

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"creditmeter/internal/core"
)

// MongoDBReader implements Reader over the MongoDB ledger collection.
type MongoDBReader struct {
	transactions *mongo.Collection
}

// NewMongoDBReader creates a reader over an existing database handle.
func NewMongoDBReader(db *mongo.Database) (*MongoDBReader, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &MongoDBReader{transactions: db.Collection("credit_transactions")}, nil
}

func (r *MongoDBReader) Usage(ctx context.Context, q Query) (*Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	filter := bson.M{"type": bson.M{"$in": bson.A{"deduction", "refund"}}}
	switch {
	case q.Subject.IsPool():
		filter["org_id"] = q.Subject.OrgID
	case q.Subject.Scope() == core.ScopeOrganization:
		filter["org_id"] = q.Subject.OrgID
		filter["user_id"] = q.Subject.UserID
	default:
		filter["org_id"] = ""
		filter["user_id"] = q.Subject.UserID
	}
	window := bson.M{}
	if !q.From.IsZero() {
		window["$gte"] = q.From.UTC()
	}
	if !q.To.IsZero() {
		window["$lte"] = q.To.UTC()
	}
	if len(window) > 0 {
		filter["created_at"] = window
	}

	cursor, err := r.transactions.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*core.Transaction
	for cursor.Next(ctx) {
		var doc struct {
			UserID       string         `bson:"user_id"`
			Type         string         `bson:"type"`
			SignedAmount string         `bson:"signed_amount"`
			ServiceName  string         `bson:"service_name"`
			Metadata     map[string]any `bson:"metadata,omitempty"`
			CreatedAt    time.Time      `bson:"created_at"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		entry := &core.Transaction{
			Subject:     core.SubjectRef{UserID: doc.UserID},
			Type:        core.TransactionType(doc.Type),
			ServiceName: doc.ServiceName,
			Metadata:    doc.Metadata,
			CreatedAt:   doc.CreatedAt,
		}
		if entry.SignedAmount, err = decimal.NewFromString(doc.SignedAmount); err != nil {
			return nil, fmt.Errorf("invalid signed_amount: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	return summarize(q, entries), nil
}

// Close is a no-op; the mongo client is owned by the storage layer.
func (r *MongoDBReader) Close() error {
	return nil
}
