package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/chat-harvester/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// TestDSN returns the TEST_PG_DSN value, skipping the test when unset. Use it
// for code paths that open their own connections (LISTEN/NOTIFY).
func TestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return dsn
}

// TruncateAll clears mutable tables between test cases sharing one database.
func TruncateAll(t *testing.T, database *sql.DB) {
	t.Helper()
	tables := []string{
		"chat_jobs", "broadcasts", "channels",
		"chat_messages", "super_chats", "super_stickers",
		"memberships", "milestones", "membership_gifts", "membership_gift_purchases",
		"ban_actions", "remove_chat_actions", "banner_actions", "mode_changes",
		"polls", "raids", "placeholder_actions", "error_logs",
	}
	for _, tbl := range tables {
		if _, err := database.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", tbl)); err != nil {
			t.Fatalf("truncate %s: %v", tbl, err)
		}
	}
}
