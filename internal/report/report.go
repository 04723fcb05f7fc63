// Package report builds usage rollups from the credit ledger. Readers are
// strictly read-only projections: they never mutate balances or ledger rows,
// and a rollup can always be rebuilt from the ledger alone.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"creditmeter/internal/core"
)

// GroupBy dimensions understood by Usage queries.
const (
	GroupByService  = "service"
	GroupByProvider = "provider"
	GroupByModel    = "model"
	GroupByUser     = "user"
	GroupByDay      = "day"
	GroupByMonth    = "month"
)

// Query selects ledger entries for a usage rollup.
type Query struct {
	// Subject scopes the rollup. A pool reference rolls up the whole
	// organization; a member or individual reference rolls up one user.
	Subject core.SubjectRef `json:"subject"`

	// From and To bound the window by entry creation time. Zero values leave
	// the corresponding side unbounded.
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`

	// GroupBy adds a per-dimension breakdown. Empty means totals only.
	GroupBy string `json:"group_by,omitempty"`
}

// Validate checks the query shape before it hits storage.
func (q Query) Validate() error {
	if err := q.Subject.Validate(); err != nil {
		return err
	}
	switch q.GroupBy {
	case "", GroupByService, GroupByProvider, GroupByModel, GroupByUser, GroupByDay, GroupByMonth:
		return nil
	default:
		return fmt.Errorf("unknown group_by dimension: %s", q.GroupBy)
	}
}

// Row is one line of a usage breakdown.
type Row struct {
	Key      string          `json:"key"`
	Count    int64           `json:"count"`
	Deducted decimal.Decimal `json:"deducted"`
	Refunded decimal.Decimal `json:"refunded"`
	Net      decimal.Decimal `json:"net"`
}

// Summary is a usage rollup over a subject and window.
type Summary struct {
	Subject core.SubjectRef `json:"subject"`
	From    time.Time       `json:"from,omitempty"`
	To      time.Time       `json:"to,omitempty"`

	Count    int64           `json:"count"`
	Deducted decimal.Decimal `json:"deducted"`
	Refunded decimal.Decimal `json:"refunded"`
	Net      decimal.Decimal `json:"net"`

	Breakdown []Row `json:"breakdown,omitempty"`
}

// Reader answers usage queries against one storage backend.
type Reader interface {
	Usage(ctx context.Context, q Query) (*Summary, error)
	Close() error
}

// summarize folds deduction and refund entries into a Summary. Entries of
// other types must already be filtered out by the caller.
func summarize(q Query, entries []*core.Transaction) *Summary {
	summary := &Summary{
		Subject:  q.Subject,
		From:     q.From,
		To:       q.To,
		Deducted: decimal.Zero,
		Refunded: decimal.Zero,
		Net:      decimal.Zero,
	}

	rows := map[string]*Row{}
	for _, entry := range entries {
		var deducted, refunded decimal.Decimal
		switch entry.Type {
		case core.TransactionDeduction:
			deducted = entry.SignedAmount.Neg()
		case core.TransactionRefund:
			refunded = entry.SignedAmount
		default:
			continue
		}

		summary.Count++
		summary.Deducted = summary.Deducted.Add(deducted)
		summary.Refunded = summary.Refunded.Add(refunded)

		if q.GroupBy == "" {
			continue
		}
		key := groupKey(q.GroupBy, entry)
		row, ok := rows[key]
		if !ok {
			row = &Row{Key: key, Deducted: decimal.Zero, Refunded: decimal.Zero}
			rows[key] = row
		}
		row.Count++
		row.Deducted = row.Deducted.Add(deducted)
		row.Refunded = row.Refunded.Add(refunded)
	}
	summary.Net = summary.Deducted.Sub(summary.Refunded)

	if len(rows) > 0 {
		summary.Breakdown = make([]Row, 0, len(rows))
		for _, row := range rows {
			row.Net = row.Deducted.Sub(row.Refunded)
			summary.Breakdown = append(summary.Breakdown, *row)
		}
		// Biggest spenders first; key breaks ties for stable output.
		sort.Slice(summary.Breakdown, func(i, j int) bool {
			a, b := summary.Breakdown[i], summary.Breakdown[j]
			if !a.Net.Equal(b.Net) {
				return a.Net.GreaterThan(b.Net)
			}
			return a.Key < b.Key
		})
	}
	return summary
}

// groupKey extracts the breakdown key for one entry. Entries missing the
// dimension land under "unknown" rather than being dropped.
func groupKey(groupBy string, entry *core.Transaction) string {
	var key string
	switch groupBy {
	case GroupByService:
		key = entry.ServiceName
	case GroupByProvider:
		key, _ = entry.Metadata[core.MetaProvider].(string)
	case GroupByModel:
		key, _ = entry.Metadata[core.MetaModel].(string)
	case GroupByUser:
		key = entry.Subject.UserID
	case GroupByDay:
		key = entry.CreatedAt.UTC().Format("2006-01-02")
	case GroupByMonth:
		key = entry.CreatedAt.UTC().Format("2006-01")
	}
	if key == "" {
		return "unknown"
	}
	return key
}
