package migrations

import (
	"strings"
	"testing"
)

func TestInitMigrationContainsRequiredTablesAndIndexes(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_init.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE dataset",
		"CREATE TABLE user_credential",
		"CREATE TABLE query_record",
		"CREATE UNIQUE INDEX idx_user_credential_active",
		"CREATE INDEX idx_query_record_user_created",
		"CREATE TRIGGER trg_query_record_append_only",
	}

	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}
}

func TestInitDownMigrationDropsEveryTable(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_init.down.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, table := range []string{"dataset", "user_credential", "query_record"} {
		if !strings.Contains(string(body), "DROP TABLE IF EXISTS "+table) {
			t.Fatalf("down migration does not drop %s", table)
		}
	}
}
