package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
)

// SQLiteReader implements Reader over the SQLite ledger table.
type SQLiteReader struct {
	db *sql.DB
}

// NewSQLiteReader creates a reader over an existing SQLite handle.
func NewSQLiteReader(db *sql.DB) (*SQLiteReader, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) Usage(ctx context.Context, q Query) (*Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT user_id, type, signed_amount, service_name, metadata, created_at
		FROM credit_transactions
		WHERE type IN ('deduction', 'refund')`
	var args []any

	switch {
	case q.Subject.IsPool():
		query += " AND org_id = ?"
		args = append(args, q.Subject.OrgID)
	case q.Subject.Scope() == core.ScopeOrganization:
		query += " AND org_id = ? AND user_id = ?"
		args = append(args, q.Subject.OrgID, q.Subject.UserID)
	default:
		query += " AND org_id = '' AND user_id = ?"
		args = append(args, q.Subject.UserID)
	}
	if !q.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, q.To.UTC())
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*core.Transaction
	for rows.Next() {
		var (
			entry    core.Transaction
			txType   string
			signed   string
			metadata sql.NullString
		)
		if err := rows.Scan(&entry.Subject.UserID, &txType, &signed,
			&entry.ServiceName, &metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.Type = core.TransactionType(txType)
		if entry.SignedAmount, err = decimal.NewFromString(signed); err != nil {
			return nil, fmt.Errorf("invalid signed_amount: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &entry.Metadata)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	return summarize(q, entries), nil
}

// Close is a no-op; the database handle is owned by the storage layer.
func (r *SQLiteReader) Close() error {
	return nil
}
