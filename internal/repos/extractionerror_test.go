package repos

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestExtractionError_RecordAndListOrdering(t *testing.T) {
	repo := NewExtractionErrorRepo(openTestDB(t), nopLog())
	base := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)

	// Written out of chronological order on purpose.
	if err := repo.Record(context.Background(), nil, "ABC123", "second failure", base.Add(time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.Record(context.Background(), nil, "ABC123", "first failure", base); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.Record(context.Background(), nil, "OTHER", "unrelated", base); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := repo.ListByCode(context.Background(), nil, "ABC123")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for ABC123, got %d", len(rows))
	}
	if rows[0].Error != "first failure" || rows[1].Error != "second failure" {
		t.Fatalf("rows not ordered by occurred_at: %q, %q", rows[0].Error, rows[1].Error)
	}
}

func TestIsForeignKeyViolation(t *testing.T) {
	if !isForeignKeyViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("pg 23503 must be recognized")
	}
	if isForeignKeyViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation is not an FK violation")
	}
	wrapped := fmt.Errorf("create: %w", &pgconn.PgError{Code: "23503"})
	if !isForeignKeyViolation(wrapped) {
		t.Fatalf("wrapped pg error must be recognized")
	}
	if !isForeignKeyViolation(errors.New("FOREIGN KEY constraint failed")) {
		t.Fatalf("sqlite text form must be recognized")
	}
	if isForeignKeyViolation(errors.New("connection refused")) {
		t.Fatalf("unrelated errors must not match")
	}
}
