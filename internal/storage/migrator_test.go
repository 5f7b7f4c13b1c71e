package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name: "statement with semicolon in string",
			sql:  "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name: "multiple with comments",
			sql: `-- Comment
CREATE TABLE a (id INT);
-- Another comment
CREATE TABLE b (id INT)`,
			expected: []string{"-- Comment\nCREATE TABLE a (id INT)", "-- Another comment\nCREATE TABLE b (id INT)"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Errorf("splitStatements() returned %d statements, want %d", len(result), len(tt.expected))
				t.Errorf("Got: %v", result)
				t.Errorf("Want: %v", tt.expected)
				return
			}

			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	want := []string{"create_detections", "create_chain_summary"}
	if len(migrations) != len(want) {
		t.Fatalf("loaded %d migrations, want %d", len(migrations), len(want))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d version = %d", i, m.Version)
		}
		if m.Name != want[i] {
			t.Errorf("migration %d name = %q, want %q", i, m.Name, want[i])
		}
		if len(splitStatements(m.SQL)) == 0 {
			t.Errorf("migration %s has no statements", m.Name)
		}
	}
}

func TestStripLeadingComments(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"-- header\nCREATE TABLE a (id INT)", "CREATE TABLE a (id INT)"},
		{"-- one\n-- two\n  SELECT 1", "SELECT 1"},
		{"-- only a comment", ""},
		{"SELECT 1 -- trailing", "SELECT 1 -- trailing"},
	}
	for _, tt := range tests {
		if got := stripLeadingComments(tt.in); got != tt.want {
			t.Errorf("stripLeadingComments(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMigrator_Run(t *testing.T) {
	conn := &mockConn{queryErr: errors.New("table missing")}
	_, err := NewMigrator(newMockClient(conn), nil).Run(context.Background())
	if err == nil {
		t.Fatal("expected error when applied migrations cannot be read")
	}
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Table != "schema_migrations" {
		t.Errorf("expected StorageError for schema_migrations, got %v", err)
	}
	if len(conn.execs) != 1 || !strings.Contains(conn.execs[0], "schema_migrations") {
		t.Errorf("expected tracking table creation, got %v", conn.execs)
	}
}
