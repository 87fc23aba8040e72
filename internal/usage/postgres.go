package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/gateguard/gateguard/internal/domain"
)

// PostgresRecorder persists usage records for reporting and quota audits.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(databaseURL string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresRecorder{db: db}, nil
}

func NewPostgresRecorderWithDB(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) Record(ctx context.Context, record domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, subject_id, operation, algorithm, allowed, degraded, limit_value, remaining, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.SubjectID,
		record.Operation,
		record.Algorithm,
		record.Allowed,
		record.Degraded,
		record.Limit,
		record.Remaining,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

// SubjectUsage summarizes decisions for one subject since a point in time.
type SubjectUsage struct {
	SubjectID string
	Operation string
	Total     int
	Denied    int
}

func (r *PostgresRecorder) GetSubjectUsage(ctx context.Context, subjectID string, since time.Time) ([]SubjectUsage, error) {
	query := `
		SELECT subject_id, operation, COUNT(*), COUNT(*) FILTER (WHERE NOT allowed)
		FROM usage_records
		WHERE subject_id = $1 AND created_at >= $2
		GROUP BY subject_id, operation
		ORDER BY operation
	`

	rows, err := r.db.QueryContext(ctx, query, subjectID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var usages []SubjectUsage
	for rows.Next() {
		var u SubjectUsage
		if err := rows.Scan(&u.SubjectID, &u.Operation, &u.Total, &u.Denied); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		usages = append(usages, u)
	}

	return usages, rows.Err()
}

func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}
