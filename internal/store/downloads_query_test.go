package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/billpoulson/animedb/pkg/logging"
)

// Query-shape check: the export listing must filter on status and exclude
// federation-sourced rows at the SQL level, not in Go.
func TestListCompletedOriginalsQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cols := []string{"id", "url", "title", "category", "season", "episode", "status", "progress",
		"file_path", "error", "moved_to_library", "library_id", "created_at", "updated_at"}
	mock.ExpectQuery(`(?s)SELECT .+ FROM downloads\s+WHERE status = \? AND url NOT LIKE 'federation://%'`).
		WithArgs(StatusCompleted).
		WillReturnRows(sqlmock.NewRows(cols))

	s := New(db, logging.NewLogger())
	if _, err := s.ListCompletedOriginals(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
