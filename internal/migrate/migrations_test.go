package migrate

import (
	"path/filepath"
	"testing"

	"lakereg/internal/db"
)

func TestMigrateEverySchemaIsIdempotent(t *testing.T) {
	for _, schema := range db.Names {
		t.Run(schema, func(t *testing.T) {
			conn, err := db.OpenFile(filepath.Join(t.TempDir(), schema+".db"))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer conn.Close()
			for i := 0; i < 2; i++ {
				if err := Migrate(conn, schema); err != nil {
					t.Fatalf("migrate pass %d: %v", i, err)
				}
			}
			var v int
			if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil || v != 1 {
				t.Fatalf("schema version = %d, err %v", v, err)
			}
		})
	}
}

func TestUnknownSchema(t *testing.T) {
	conn, err := db.OpenFile(filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := Migrate(conn, "nope"); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}

func TestActiveContentUniqueness(t *testing.T) {
	conn, err := db.OpenFile(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := Migrate(conn, db.Manifest); err != nil {
		t.Fatal(err)
	}
	insert := `INSERT INTO artifacts(artifact_id,artifact_type,schema_version,logical_key,content_hash,file_hash,path_data,path_sidecar,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`
	if _, err := conn.Exec(insert, "a", "t", 1, "k", "h", "f", "p", "s", "active", "2025-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	_, err = conn.Exec(insert, "b", "t", 1, "k", "h", "f", "p", "s", "active", "2025-01-01T00:00:00Z")
	if !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if _, err := conn.Exec(insert, "c", "t", 1, "k", "h", "f", "p", "s", "superseded", "2025-01-01T00:00:00Z"); err != nil {
		t.Fatalf("superseded duplicate content must be allowed: %v", err)
	}
}
