package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-hub/internal/core"
)

// Repository stores history rows and hourly statistics.
//
// Implementations must be safe for concurrent use.
type Repository interface {
	// InsertStates appends rows to history and folds their numeric values
	// into the hourly statistics, atomically.
	InsertStates(ctx context.Context, rows []core.Entity) error

	// History returns rows ascending by report time, then insertion order.
	History(ctx context.Context, q HistoryQuery) ([]StateRow, error)

	// Statistics returns hourly buckets ascending by entity then hour.
	Statistics(ctx context.Context, q StatisticsQuery) ([]StatisticBucket, error)

	// Purge deletes history rows reported before cutoff. Statistics are kept.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the states and statistics tables.
// Timestamps are stored as unix microseconds.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const insertStateSQL = `INSERT INTO states (
	entity_id, state, attributes, context_id, context_parent_id, context_user_id,
	last_changed_ts, last_updated_ts, last_reported_ts
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const upsertStatisticSQL = `INSERT INTO statistics (entity_id, hour_ts, count, sum, min, max)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_id, hour_ts) DO UPDATE SET
	count = count + excluded.count,
	sum   = sum + excluded.sum,
	min   = MIN(min, excluded.min),
	max   = MAX(max, excluded.max)`

// InsertStates writes a batch in one transaction.
func (r *SQLiteRepository) InsertStates(ctx context.Context, rows []core.Entity) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx, insertStateSQL)
	if err != nil {
		return fmt.Errorf("preparing state insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		row := &rows[i]
		attrs, err := json.Marshal(row.Attributes)
		if err != nil {
			return fmt.Errorf("marshalling attributes for %s: %w", row.EntityID, err)
		}
		if row.Attributes == nil {
			attrs = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			row.EntityID,
			row.State,
			string(attrs),
			row.Context.ID,
			nullString(row.Context.ParentID),
			nullString(row.Context.UserID),
			row.LastChanged.UnixMicro(),
			row.LastUpdated.UnixMicro(),
			row.LastReported.UnixMicro(),
		); err != nil {
			return fmt.Errorf("inserting state for %s: %w", row.EntityID, err)
		}
	}

	for key, d := range aggregate(rows) {
		if _, err := tx.ExecContext(ctx, upsertStatisticSQL,
			key.entityID, key.hour, d.count, d.sum, d.min, d.max,
		); err != nil {
			return fmt.Errorf("upserting statistics for %s: %w", key.entityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing states: %w", err)
	}
	return nil
}

// History returns matching rows in ascending report order.
func (r *SQLiteRepository) History(ctx context.Context, q HistoryQuery) ([]StateRow, error) {
	if q.Range.Empty() {
		return []StateRow{}, nil
	}

	var (
		where []string
		args  []any
	)
	if len(q.EntityIDs) > 0 {
		where = append(where, "entity_id IN ("+placeholders(len(q.EntityIDs))+")")
		for _, id := range q.EntityIDs {
			args = append(args, id)
		}
	}
	if q.Range.Start != nil {
		where = append(where, "last_reported_ts >= ?")
		args = append(args, q.Range.Start.UnixMicro())
	}
	if q.Range.End != nil {
		where = append(where, "last_reported_ts <= ?")
		args = append(args, q.Range.End.UnixMicro())
	}

	query := `SELECT id, entity_id, state, attributes, context_id, context_parent_id, context_user_id,
		last_changed_ts, last_updated_ts, last_reported_ts
		FROM states`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_reported_ts, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	out := []StateRow{}
	for rows.Next() {
		var (
			row                              StateRow
			state, parentID, userID          sql.NullString
			attrs                            string
			changedTS, updatedTS, reportedTS int64
		)
		if err := rows.Scan(&row.ID, &row.EntityID, &state, &attrs, &row.Context.ID,
			&parentID, &userID, &changedTS, &updatedTS, &reportedTS); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		row.State = state.String
		row.Context.ParentID = parentID.String
		row.Context.UserID = userID.String
		row.LastChanged = time.UnixMicro(changedTS).UTC()
		row.LastUpdated = time.UnixMicro(updatedTS).UTC()
		row.LastReported = time.UnixMicro(reportedTS).UTC()
		if err := json.Unmarshal([]byte(attrs), &row.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshalling attributes: %w", err)
		}
		if row.Attributes == nil {
			row.Attributes = core.Attributes{}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return out, nil
}

// Statistics returns buckets whose hour overlaps the range.
func (r *SQLiteRepository) Statistics(ctx context.Context, q StatisticsQuery) ([]StatisticBucket, error) {
	if q.Range.Empty() {
		return []StatisticBucket{}, nil
	}

	var (
		where []string
		args  []any
	)
	if len(q.EntityIDs) > 0 {
		where = append(where, "entity_id IN ("+placeholders(len(q.EntityIDs))+")")
		for _, id := range q.EntityIDs {
			args = append(args, id)
		}
	}
	if q.Range.Start != nil {
		// A bucket overlaps when it ends after the range starts.
		where = append(where, "hour_ts > ?")
		args = append(args, q.Range.Start.Add(-time.Hour).Unix())
	}
	if q.Range.End != nil {
		where = append(where, "hour_ts <= ?")
		args = append(args, q.Range.End.Unix())
	}

	query := "SELECT entity_id, hour_ts, count, sum, min, max FROM statistics"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity_id, hour_ts"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying statistics: %w", err)
	}
	defer rows.Close()

	out := []StatisticBucket{}
	for rows.Next() {
		var (
			b      StatisticBucket
			hourTS int64
			sum    float64
		)
		if err := rows.Scan(&b.EntityID, &hourTS, &b.Count, &sum, &b.Min, &b.Max); err != nil {
			return nil, fmt.Errorf("scanning statistics row: %w", err)
		}
		b.Start = time.Unix(hourTS, 0).UTC()
		if b.Count > 0 {
			b.Mean = clampMean(sum/float64(b.Count), b.Min, b.Max)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating statistics: %w", err)
	}
	return out, nil
}

// clampMean keeps a rounded mean inside the bucket's observed range.
func clampMean(mean, lo, hi float64) float64 {
	return math.Min(math.Max(mean, lo), hi)
}

// Purge deletes history rows reported before cutoff.
func (r *SQLiteRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM states WHERE last_reported_ts < ?",
		cutoff.UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging states: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
