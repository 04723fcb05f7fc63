package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
)

// PostgreSQLReader implements Reader over the PostgreSQL ledger table.
type PostgreSQLReader struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLReader creates a reader over an existing connection pool.
func NewPostgreSQLReader(pool *pgxpool.Pool) (*PostgreSQLReader, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	return &PostgreSQLReader{pool: pool}, nil
}

func (r *PostgreSQLReader) Usage(ctx context.Context, q Query) (*Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT user_id, type, signed_amount::text, service_name, metadata, created_at
		FROM credit_transactions
		WHERE type IN ('deduction', 'refund')`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch {
	case q.Subject.IsPool():
		query += " AND org_id = " + arg(q.Subject.OrgID)
	case q.Subject.Scope() == core.ScopeOrganization:
		query += " AND org_id = " + arg(q.Subject.OrgID) + " AND user_id = " + arg(q.Subject.UserID)
	default:
		query += " AND org_id = '' AND user_id = " + arg(q.Subject.UserID)
	}
	if !q.From.IsZero() {
		query += " AND created_at >= " + arg(q.From.UTC())
	}
	if !q.To.IsZero() {
		query += " AND created_at <= " + arg(q.To.UTC())
	}

	rows, err := r.pool.Query(ctx, query, args...)
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
			metadata []byte
		)
		if err := rows.Scan(&entry.Subject.UserID, &txType, &signed,
			&entry.ServiceName, &metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.Type = core.TransactionType(txType)
		if entry.SignedAmount, err = decimal.NewFromString(signed); err != nil {
			return nil, fmt.Errorf("invalid signed_amount: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &entry.Metadata)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	return summarize(q, entries), nil
}

// Close is a no-op; the pgx pool is owned by the storage layer.
func (r *PostgreSQLReader) Close() error {
	return nil
}
